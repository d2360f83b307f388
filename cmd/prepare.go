package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/config"
	"github.com/JakeFAU/shopcrawl/internal/coordinator"
	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/queue"
	"github.com/JakeFAU/shopcrawl/internal/queue/memory"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

func newPrepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Fills the shared queue with product pages",
		Long: `Walks the start page and every category listing in this process, using
a private queue, and puts each product page it finds into the shared queue.
The shared queue is emptied first. Run "crawl --fresh=false --seed=false"
afterwards to scrape the prepared products with many workers.`,
		RunE: runPrepareCommand,
	}
}

func runPrepareCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := a.logger.Named("prepare")
	if a.cfg.Queue.Backend == config.BackendMemory {
		return fmt.Errorf("prepare needs a persistent queue backend; queue.backend is %q", a.cfg.Queue.Backend)
	}

	shared, err := queue.Open(ctx, a.cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := shared.Close(); cerr != nil {
			logger.Warn("Failed to close queue", zap.Error(cerr))
		}
	}()
	if err := shared.Initialize(ctx, true); err != nil {
		return fmt.Errorf("initialize shared queue: %w", err)
	}

	local := memory.NewQueue()
	start, err := crawler.NewRequest(a.cfg.Crawler.StartURL, crawler.LabelUnlabeled, 0)
	if err != nil {
		return fmt.Errorf("seed start url: %w", err)
	}
	if _, err := local.Enqueue(ctx, start); err != nil {
		return fmt.Errorf("seed start url: %w", err)
	}

	// Listing pages never yield records; one would mean a misrouted request.
	discard := worker.EmitterFunc(func(_ context.Context, record crawler.Record) error {
		logger.Warn("Unexpected record during prepare", zap.String("url", record.URL))
		return nil
	})
	w, cleanup, err := buildWorker(a.cfg, local, discard, 0, logger,
		worker.WithEnqueuer(worker.SplitEnqueuer{Local: local, Shared: shared}))
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := w.Run(ctx)
	if err != nil {
		return &exitError{code: coordinator.ExitCode(err), err: err}
	}
	stats, err := shared.Stats(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("shared queue stats: %w", err)
	}
	logger.Info("Prepared shared queue",
		zap.Int("listing_pages", summary.Resolved),
		zap.Int("products", stats.Total),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "prepared %d product pages from %d listing pages\n", stats.Total, summary.Resolved)
	return nil
}
