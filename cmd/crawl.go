package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/api"
	"github.com/JakeFAU/shopcrawl/internal/config"
	"github.com/JakeFAU/shopcrawl/internal/coordinator"
	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/logging"
	"github.com/JakeFAU/shopcrawl/internal/queue"
	"github.com/JakeFAU/shopcrawl/internal/sink"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs a crawl with a pool of workers",
		Long: `Prepares the shared queue, starts crawler.workers workers against it,
streams their records into the configured sink and prints a report once
every worker exited.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := a.cfg
	logger := a.logger

	q, err := queue.Open(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := q.Close(); cerr != nil {
			logger.Warn("Failed to close queue", zap.Error(cerr))
		}
	}()

	records, err := sink.Open(ctx, cfg.Sink)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := records.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("Failed to close sink", zap.Error(cerr))
		}
	}()

	coord := coordinator.New(q, records, buildSpawner(a, q), coordinator.Config{
		Workers:  cfg.Crawler.Workers,
		StartURL: cfg.Crawler.StartURL,
		Fresh:    cfg.Crawler.Fresh,
		Seed:     cfg.Crawler.Seed,
	}, logger.Named("coordinator"))

	serverDone := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(ctx)
	if cfg.API.Addr != "" {
		server := api.NewServer(coord, logger.Named("api"))
		go func() { serverDone <- server.ListenAndServe(serverCtx, cfg.API.Addr) }()
	} else {
		serverDone <- nil
	}

	report, runErr := coord.Run(ctx)
	stopServer()
	if err := <-serverDone; err != nil {
		logger.Warn("Status server failed", zap.Error(err))
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, crawler.ErrInvariant):
		return &exitError{code: coordinator.ExitInvariant, err: runErr}
	default:
		return &exitError{code: coordinator.ExitFailure, err: runErr}
	}
}

// buildSpawner picks goroutine workers for a private queue and worker
// processes for a shared one.
func buildSpawner(a *app, q crawler.Queue) coordinator.Spawner {
	cfg := a.cfg
	if cfg.SpawnMode() == config.SpawnInProcess {
		return coordinator.InProcessSpawner{
			Run: func(ctx context.Context, index int, emitter worker.Emitter) (worker.Summary, error) {
				logger := logging.ForWorker(a.logger, index)
				w, cleanup, err := buildWorker(cfg, q, emitter, index, logger)
				if err != nil {
					return worker.Summary{}, err
				}
				defer cleanup()
				return w.Run(ctx)
			},
		}
	}

	args := []string{"worker",
		"--concurrency", strconv.Itoa(cfg.Crawler.Concurrency),
		"--lease-duration", cfg.Crawler.LeaseDuration.String(),
	}
	if a.configPath != "" {
		args = append(args, "--config", a.configPath)
	}
	return &coordinator.ProcessSpawner{
		Args:   args,
		Logger: a.logger.Named("spawner"),
	}
}
