// Package cmd defines and implements the CLI commands for the shopcrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/config"
	"github.com/JakeFAU/shopcrawl/internal/coordinator"
	"github.com/JakeFAU/shopcrawl/internal/logging"
	"github.com/JakeFAU/shopcrawl/internal/telemetry"
)

// appKeyType is the key for storing the app in the command context.
type appKeyType string

const appKey appKeyType = "app"

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg        config.Config
	configPath string
	logger     *zap.Logger
	tracer     *sdktrace.TracerProvider
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// flagBindings maps persistent flags onto configuration keys.
var flagBindings = map[string]string{
	"workers":        "crawler.workers",
	"start-url":      "crawler.start_url",
	"concurrency":    "crawler.concurrency",
	"lease-duration": "crawler.lease_duration",
	"fresh":          "crawler.fresh",
	"seed":           "crawler.seed",
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "shopcrawl",
		Short: "A multi-worker crawler for hierarchical web stores.",
		Long: `shopcrawl walks a web store from its start page through categories and
paginated listings to product pages, and writes one record per product.
Workers share a deduplicated, lease-based queue so the crawl survives any
single worker dying.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			tp, err := telemetry.InitTracerProvider(cmd.Context(), "shopcrawl",
				attribute.String("shopcrawl.command", cmd.Name()))
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			a := &app{cfg: cfg, configPath: cfgFile, logger: logger, tracer: tp}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app); ok && a != nil {
				if err := a.tracer.Shutdown(context.WithoutCancel(cmd.Context())); err != nil {
					a.logger.Warn("Failed to shut down tracing", zap.Error(err))
				}
				_ = a.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.Int("workers", 0, "number of worker processes")
	flags.String("start-url", "", "store start page")
	flags.Int("concurrency", 0, "in-flight requests per worker")
	flags.Duration("lease-duration", 0, "how long a leased request stays locked")
	flags.Bool("fresh", true, "drop existing queue state before crawling")
	flags.Bool("seed", true, "enqueue the start URL before crawling")
	for name, key := range flagBindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	cmd.AddCommand(
		newCrawlCmd(),
		newWorkerCmd(),
		newPrepareCmd(),
		newStatusCmd(),
	)
	return cmd
}

// resolveApp returns the app stored by the root command.
func resolveApp(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey).(*app)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return coordinator.ExitOK
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(os.Stderr, "shopcrawl:", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(os.Stderr, "shopcrawl:", err)
	return coordinator.ExitCode(err)
}
