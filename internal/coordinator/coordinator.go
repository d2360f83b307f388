// Package coordinator prepares the shared queue, fans out worker processes,
// streams their records into the sink and reports when they are all done.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/ipc"
	"github.com/JakeFAU/shopcrawl/internal/metrics"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

// ErrStalled is returned when every worker exited but the queue still has work.
var ErrStalled = errors.New("all workers exited with work remaining")

// Worker lifecycle states.
const (
	StateStarting = "starting"
	StateOnline   = "online"
	StateRunning  = "running"
	StateExited   = "exited"
)

// WorkerStatus tracks one spawned worker.
type WorkerStatus struct {
	Index    int             `json:"index"`
	PID      int             `json:"pid"`
	State    string          `json:"state"`
	ExitCode int             `json:"exitCode"`
	Signal   string          `json:"signal,omitempty"`
	Records  int             `json:"records"`
	Summary  *worker.Summary `json:"summary,omitempty"`
}

// Report is the outcome of a crawl.
type Report struct {
	Resolved   int            `json:"resolved"`
	Failed     int            `json:"failed"`
	Records    int            `json:"records"`
	SinkErrors int            `json:"sinkErrors"`
	Duration   time.Duration  `json:"duration"`
	Workers    []WorkerStatus `json:"workers"`
}

// Config controls a crawl.
type Config struct {
	Workers  int
	StartURL string
	Fresh    bool
	Seed     bool
}

// Coordinator owns the crawl lifecycle.
type Coordinator struct {
	queue   crawler.Queue
	sink    crawler.Sink
	spawner Spawner
	cfg     Config
	logger  *zap.Logger

	mu         sync.Mutex
	statuses   []WorkerStatus
	records    int
	sinkErrors int
}

// New constructs a Coordinator.
func New(queue crawler.Queue, sink crawler.Sink, spawner Spawner, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Coordinator{
		queue:   queue,
		sink:    sink,
		spawner: spawner,
		cfg:     cfg,
		logger:  logger,
	}
}

// Prepare initializes the queue and seeds the start URL when configured.
func (c *Coordinator) Prepare(ctx context.Context) error {
	if err := c.queue.Initialize(ctx, c.cfg.Fresh); err != nil {
		return fmt.Errorf("initialize queue: %w", err)
	}
	if !c.cfg.Seed {
		return nil
	}
	req, err := crawler.NewRequest(c.cfg.StartURL, crawler.LabelUnlabeled, 0)
	if err != nil {
		return fmt.Errorf("seed start url: %w", err)
	}
	res, err := c.queue.Enqueue(ctx, req)
	if err != nil {
		return fmt.Errorf("seed start url: %w", err)
	}
	c.logger.Info("Seeded start url", zap.String("url", req.URL), zap.String("result", res.String()))
	return nil
}

// Run prepares the queue, runs every worker to exit, and reports. It returns
// an error wrapping crawler.ErrInvariant when a worker exited on a broken
// invariant, and ErrStalled when the workers exited with work left over.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	if err := c.Prepare(ctx); err != nil {
		return Report{}, err
	}

	c.mu.Lock()
	c.statuses = make([]WorkerStatus, c.cfg.Workers)
	for i := range c.statuses {
		c.statuses[i] = WorkerStatus{Index: i, State: StateStarting}
	}
	c.mu.Unlock()

	c.logger.Info("Starting workers", zap.Int("workers", c.cfg.Workers))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		index := i
		g.Go(func() error {
			return c.runWorker(gctx, index)
		})
	}
	runErr := g.Wait()

	report := c.report(ctx, start)
	if runErr != nil {
		return report, runErr
	}
	if ctx.Err() != nil {
		c.logger.Info("Crawl interrupted", zap.Int("records", report.Records))
		return report, nil
	}
	finished, err := c.queue.IsFinished(context.WithoutCancel(ctx))
	if err != nil {
		return report, fmt.Errorf("check queue finished: %w", err)
	}
	if !finished {
		return report, ErrStalled
	}
	c.logger.Info("Crawl finished",
		zap.Int("resolved", report.Resolved),
		zap.Int("failed", report.Failed),
		zap.Int("records", report.Records),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// Workers returns a snapshot of every worker's status.
func (c *Coordinator) Workers() []WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WorkerStatus(nil), c.statuses...)
}

// Queue exposes the coordinator's queue for status reporting.
func (c *Coordinator) Queue() crawler.Queue {
	return c.queue
}

func (c *Coordinator) runWorker(ctx context.Context, index int) error {
	logger := c.logger.With(zap.Int("worker_index", index))
	h, err := c.spawner.Spawn(ctx, index)
	if err != nil {
		c.update(index, func(s *WorkerStatus) { s.State = StateExited; s.ExitCode = -1 })
		return fmt.Errorf("spawn worker %d: %w", index, err)
	}

	// Records keep flowing into the sink after cancel so nothing is lost.
	appendCtx := context.WithoutCancel(ctx)
	for msg := range h.Messages() {
		c.handle(appendCtx, index, msg, logger)
	}

	exit := h.Wait()
	c.update(index, func(s *WorkerStatus) {
		s.State = StateExited
		s.ExitCode = exit.Code
		s.Signal = exit.Signal
	})
	fields := []zap.Field{zap.Int("exit_code", exit.Code)}
	if exit.Signal != "" {
		fields = append(fields, zap.String("signal", exit.Signal))
	}
	if exit.Err != nil {
		fields = append(fields, zap.Error(exit.Err))
	}
	switch exit.Code {
	case ExitOK:
		logger.Info("Worker exited", fields...)
		return nil
	case ExitInvariant:
		logger.Error("Worker exited on queue invariant violation", fields...)
		return fmt.Errorf("worker %d: %w", index, crawler.ErrInvariant)
	default:
		logger.Warn("Worker exited abnormally", fields...)
		return nil
	}
}

func (c *Coordinator) handle(ctx context.Context, index int, msg ipc.Message, logger *zap.Logger) {
	switch msg.Type {
	case ipc.TypeOnline:
		c.update(index, func(s *WorkerStatus) {
			s.State = StateOnline
			s.PID = msg.PID
		})
		logger.Info("Worker online", zap.Int("pid", msg.PID))
	case ipc.TypeRecord:
		c.update(index, func(s *WorkerStatus) {
			s.State = StateRunning
			s.Records++
		})
		c.mu.Lock()
		c.records++
		c.mu.Unlock()
		appendCtx, span := otel.Tracer("shopcrawl/coordinator").Start(ctx, "sink.append",
			trace.WithAttributes(
				attribute.String("crawler.url", msg.Record.URL),
				attribute.Int("crawler.worker_index", index),
			),
		)
		err := c.sink.Append(appendCtx, *msg.Record)
		if err != nil {
			span.SetStatus(codes.Error, "append failed")
		}
		span.End()
		if err != nil {
			c.mu.Lock()
			c.sinkErrors++
			c.mu.Unlock()
			metrics.ObserveSinkError("append")
			logger.Error("Sink append failed", zap.String("url", msg.Record.URL), zap.Error(err))
			return
		}
		metrics.ObserveRecord("stored")
	case ipc.TypeSummary:
		summary := *msg.Summary
		c.update(index, func(s *WorkerStatus) { s.Summary = &summary })
		logger.Info("Worker summary",
			zap.Int("leased", summary.Leased),
			zap.Int("resolved", summary.Resolved),
			zap.Int("failed", summary.Failed),
			zap.Int("records", summary.Records),
		)
	}
}

func (c *Coordinator) update(index int, fn func(*WorkerStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.statuses) {
		return
	}
	fn(&c.statuses[index])
}

func (c *Coordinator) report(ctx context.Context, start time.Time) Report {
	c.mu.Lock()
	report := Report{
		Records:    c.records,
		SinkErrors: c.sinkErrors,
		Duration:   time.Since(start),
		Workers:    append([]WorkerStatus(nil), c.statuses...),
	}
	c.mu.Unlock()

	stats, err := c.queue.Stats(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Warn("Queue stats unavailable", zap.Error(err))
		return report
	}
	metrics.SetQueueEntries(stats.Available, stats.Locked, stats.Resolved, stats.Failed)
	report.Resolved = stats.Resolved
	report.Failed = stats.Failed
	return report
}
