// Package worker implements the lease, render, classify, enqueue, emit and
// resolve loop that every crawl worker runs against the shared queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/metrics"
)

// Emitter delivers extracted records to the coordinator.
type Emitter interface {
	Emit(ctx context.Context, record crawler.Record) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, record crawler.Record) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, record crawler.Record) error {
	return f(ctx, record)
}

// Config controls Worker behavior.
type Config struct {
	ID            string
	Concurrency   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	PollMax       time.Duration
}

// Summary counts what one worker did.
type Summary struct {
	Leased     int `json:"leased"`
	Resolved   int `json:"resolved"`
	Failed     int `json:"failed"`
	Records    int `json:"records"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	LeaseLost  int `json:"lease_lost"`
}

// Worker consumes the shared queue until it reports finished.
type Worker struct {
	queue      crawler.Queue
	enqueuer   crawler.Enqueuer
	renderer   crawler.Renderer
	classifier crawler.Classifier
	emitter    Emitter
	limiter    crawler.RateLimiter
	retry      crawler.RetryPolicy
	cfg        Config
	logger     *zap.Logger

	sem      *semaphore.Weighted
	inflight atomic.Int64

	mu      sync.Mutex
	summary Summary
	fatal   error
}

// Option customizes a Worker.
type Option func(*Worker)

// WithEnqueuer routes derived requests somewhere other than the leased queue.
func WithEnqueuer(enqueuer crawler.Enqueuer) Option {
	return func(w *Worker) {
		if enqueuer != nil {
			w.enqueuer = enqueuer
		}
	}
}

// WithRateLimiter throttles renders per host.
func WithRateLimiter(limiter crawler.RateLimiter) Option {
	return func(w *Worker) { w.limiter = limiter }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy crawler.RetryPolicy) Option {
	return func(w *Worker) {
		if policy != nil {
			w.retry = policy
		}
	}
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	renderer crawler.Renderer,
	classifier crawler.Classifier,
	emitter Emitter,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.PollMax < cfg.PollInterval {
		cfg.PollMax = cfg.PollInterval
	}
	if cfg.ID == "" {
		cfg.ID = "worker"
	}
	w := &Worker{
		queue:      queue,
		enqueuer:   queue,
		renderer:   renderer,
		classifier: classifier,
		emitter:    emitter,
		retry:      crawler.NewExponentialRetryPolicy(),
		cfg:        cfg,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run leases and processes requests until the queue is finished, ctx is
// canceled, or a queue invariant breaks. In-flight requests always complete
// on a context that outlives ctx. The returned error wraps
// crawler.ErrInvariant when the worker stopped on a broken invariant.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	work := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	poll := w.cfg.PollInterval

	w.logger.Info("Worker started",
		zap.String("worker_id", w.cfg.ID),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("lease_duration", w.cfg.LeaseDuration),
	)

	for w.fatalErr() == nil {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		lease, ok, err := w.queue.Lease(ctx, w.cfg.ID, w.cfg.LeaseDuration)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, crawler.ErrInvariant) {
				w.setFatal(err)
				break
			}
			w.logger.Error("Lease failed", zap.Error(err))
			if !sleep(ctx, poll) {
				break
			}
			poll = nextPoll(poll, w.cfg.PollMax)
			continue
		}
		if !ok {
			w.sem.Release(1)
			if w.inflight.Load() == 0 {
				finished, err := w.queue.IsFinished(ctx)
				if err != nil && ctx.Err() == nil {
					w.logger.Error("Completion check failed", zap.Error(err))
				}
				if finished {
					break
				}
			}
			if !sleep(ctx, poll) {
				break
			}
			poll = nextPoll(poll, w.cfg.PollMax)
			continue
		}

		poll = w.cfg.PollInterval
		w.count(func(s *Summary) { s.Leased++ })
		w.inflight.Add(1)
		wg.Add(1)
		go func(lease crawler.Lease) {
			defer wg.Done()
			defer w.sem.Release(1)
			defer w.inflight.Add(-1)
			w.process(work, lease)
		}(lease)
	}

	wg.Wait()
	summary := w.Summary()
	w.logger.Info("Worker stopped",
		zap.String("worker_id", w.cfg.ID),
		zap.Int("resolved", summary.Resolved),
		zap.Int("failed", summary.Failed),
		zap.Int("records", summary.Records),
	)
	if err := w.fatalErr(); err != nil {
		return summary, fmt.Errorf("worker %s: %w", w.cfg.ID, err)
	}
	return summary, nil
}

// Summary returns a snapshot of the worker's counters.
func (w *Worker) Summary() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.summary
}

func (w *Worker) process(ctx context.Context, lease crawler.Lease) {
	metrics.IncInflight()
	defer metrics.DecInflight()

	req := lease.Request
	ctx, span := otel.Tracer("shopcrawl/worker").Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("crawler.url", req.URL),
			attribute.String("crawler.label", req.Label.String()),
			attribute.Int("crawler.attempts", lease.Attempts),
		),
	)
	defer span.End()
	logger := w.logger.With(
		zap.String("url", req.URL),
		zap.String("label", req.Label.String()),
		zap.String("request_id", lease.ID),
	)

	page, err := w.render(ctx, req, logger)
	if err != nil {
		logger.Warn("Render failed", zap.Int("attempts", lease.Attempts), zap.Error(err))
		span.SetStatus(codes.Error, "render failed")
		w.resolve(ctx, lease, crawler.FailedWith(err), logger)
		return
	}

	result, err := w.classifier.Classify(req, page)
	if err != nil {
		if errors.Is(err, crawler.ErrInvariant) {
			w.setFatal(err)
			return
		}
		logger.Warn("Extraction failed", zap.Error(err))
		span.SetStatus(codes.Error, "extraction failed")
		w.resolve(ctx, lease, crawler.FailedWith(err), logger)
		return
	}

	for _, next := range result.Requests {
		res, err := w.enqueuer.Enqueue(ctx, next)
		if err != nil {
			// The lease expires and another worker redoes the page.
			logger.Error("Enqueue failed", zap.String("derived_url", next.URL), zap.Error(err))
			return
		}
		metrics.ObserveEnqueue(next.Label.String(), res.String())
		w.count(func(s *Summary) {
			if res == crawler.Added {
				s.Enqueued++
			} else {
				s.Duplicates++
			}
		})
	}

	if result.Record != nil {
		if err := w.emitter.Emit(ctx, *result.Record); err != nil {
			logger.Error("Record emit failed", zap.Error(err))
			return
		}
		metrics.ObserveRecord("emitted")
		w.count(func(s *Summary) { s.Records++ })
	}

	w.resolve(ctx, lease, crawler.Succeeded, logger)
}

func (w *Worker) render(ctx context.Context, req crawler.Request, logger *zap.Logger) (crawler.RenderedPage, error) {
	site := metrics.SanitizeSite(req.URL)
	for attempt := 0; ; attempt++ {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx, req.URL); err != nil {
				return nil, fmt.Errorf("rate limit: %w", err)
			}
		}
		page, err := w.renderer.Render(ctx, req.URL)
		if err == nil {
			size := 0
			if sized, ok := page.(interface{ Size() int }); ok {
				size = sized.Size()
			}
			metrics.ObservePage(site, req.Label.String(), "ok", size)
			return page, nil
		}
		metrics.ObservePage(site, req.Label.String(), "error", 0)
		if !w.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		delay := w.retry.Backoff(attempt)
		logger.Debug("Retrying render", zap.Int("retry", attempt+1), zap.Duration("backoff", delay), zap.Error(err))
		if !sleep(ctx, delay) {
			return nil, err
		}
	}
}

func (w *Worker) resolve(ctx context.Context, lease crawler.Lease, outcome crawler.Outcome, logger *zap.Logger) {
	err := w.queue.Resolve(ctx, lease, outcome)
	switch {
	case err == nil:
		state := outcome.State()
		metrics.ObserveResolve(string(state))
		w.count(func(s *Summary) {
			if state == crawler.StateFailed {
				s.Failed++
			} else {
				s.Resolved++
			}
		})
	case errors.Is(err, crawler.ErrLeaseLost):
		logger.Warn("Lease superseded before resolve", zap.Error(err))
		metrics.ObserveResolve("lease_lost")
		w.count(func(s *Summary) { s.LeaseLost++ })
	case errors.Is(err, crawler.ErrInvariant):
		logger.Error("Queue invariant violated", zap.Error(err))
		w.setFatal(err)
	default:
		logger.Error("Resolve failed", zap.Error(err))
	}
}

func (w *Worker) count(fn func(*Summary)) {
	w.mu.Lock()
	fn(&w.summary)
	w.mu.Unlock()
}

func (w *Worker) setFatal(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fatal == nil {
		w.fatal = err
	}
}

func (w *Worker) fatalErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

func nextPoll(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
