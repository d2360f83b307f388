// The main package for the shopcrawl executable.
package main

import (
	"os"

	"github.com/JakeFAU/shopcrawl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
