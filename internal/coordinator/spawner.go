package coordinator

import (
	"context"

	"github.com/JakeFAU/shopcrawl/internal/ipc"
)

// Process exit codes shared by the worker command and the coordinator.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitInvariant = 3
)

// Spawner starts one worker.
type Spawner interface {
	Spawn(ctx context.Context, index int) (Handle, error)
}

// Handle is a running worker.
type Handle interface {
	// Messages is closed once the worker can send nothing more.
	Messages() <-chan ipc.Message
	// Wait blocks until the worker exited. Call it after Messages is drained.
	Wait() ExitStatus
}

// ExitStatus describes how a worker ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}
