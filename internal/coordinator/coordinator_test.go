package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/page"
	"github.com/JakeFAU/shopcrawl/internal/queue/memory"
	"github.com/JakeFAU/shopcrawl/internal/router"
	recordsink "github.com/JakeFAU/shopcrawl/internal/sink/memory"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

const startURL = "https://shop.example.com/collections"

var site = map[string]string{
	startURL: `<a class="collection-block-item" href="/collections/audio">Audio</a>`,
	"https://shop.example.com/collections/audio": `
<div class="product-item"><a href="/products/sennheiser-mke-440">a</a></div>
<div class="product-item"><a href="/products/rode-videomic">b</a></div>`,
	"https://shop.example.com/products/sennheiser-mke-440": `<div class="product-meta"><h1>MKE 440</h1>
<span class="product-meta__sku-number">700440</span></div><span class="price">$549.95</span>`,
	"https://shop.example.com/products/rode-videomic": `<div class="product-meta"><h1>VideoMic</h1>
<span class="product-meta__sku-number">VM1</span></div><span class="price">$99.00</span>`,
}

type mapRenderer map[string]string

func (m mapRenderer) Render(_ context.Context, url string) (crawler.RenderedPage, error) {
	html, ok := m[url]
	if !ok {
		return nil, fmt.Errorf("GET %s: status 404", url)
	}
	return page.Parse(url, []byte("<html><body>"+html+"</body></html>"))
}

func workerFunc(q crawler.Queue) WorkerFunc {
	return func(ctx context.Context, index int, emitter worker.Emitter) (worker.Summary, error) {
		w := worker.New(q, mapRenderer(site), router.New(), emitter, worker.Config{
			ID:            fmt.Sprintf("worker-%d", index),
			Concurrency:   2,
			LeaseDuration: time.Minute,
			PollInterval:  time.Millisecond,
			PollMax:       5 * time.Millisecond,
		}, zap.NewNop())
		return w.Run(ctx)
	}
}

func TestCoordinatorRunInProcess(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	sink := recordsink.New()
	c := New(q, sink, InProcessSpawner{Run: workerFunc(q)}, Config{
		Workers:  3,
		StartURL: startURL,
		Fresh:    true,
		Seed:     true,
	}, zap.NewNop())

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.Resolved)
	require.Zero(t, report.Failed)
	require.Equal(t, 2, report.Records)
	require.Len(t, sink.Records(), 2)
	require.Len(t, report.Workers, 3)

	total := 0
	for _, status := range report.Workers {
		require.Equal(t, StateExited, status.State)
		require.Equal(t, ExitOK, status.ExitCode)
		require.NotNil(t, status.Summary)
		total += status.Records
	}
	require.Equal(t, 2, total)
}

func TestCoordinatorCountsSinkErrors(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	sink := recordsink.New()
	require.NoError(t, sink.Close(context.Background()))
	c := New(q, sink, InProcessSpawner{Run: workerFunc(q)}, Config{
		Workers: 1, StartURL: startURL, Fresh: true, Seed: true,
	}, zap.NewNop())

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Records)
	require.Equal(t, 2, report.SinkErrors)
}

func TestCoordinatorInvariantExitFailsCrawl(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	spawner := InProcessSpawner{Run: func(context.Context, int, worker.Emitter) (worker.Summary, error) {
		return worker.Summary{}, fmt.Errorf("%w: resolve unknown entry", crawler.ErrInvariant)
	}}
	c := New(q, recordsink.New(), spawner, Config{Workers: 2, StartURL: startURL, Seed: true}, zap.NewNop())

	report, err := c.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrInvariant)
	for _, status := range report.Workers {
		require.Equal(t, ExitInvariant, status.ExitCode)
	}
}

func TestCoordinatorDetectsStall(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	spawner := InProcessSpawner{Run: func(context.Context, int, worker.Emitter) (worker.Summary, error) {
		return worker.Summary{}, errors.New("renderer unavailable")
	}}
	c := New(q, recordsink.New(), spawner, Config{Workers: 2, StartURL: startURL, Seed: true}, zap.NewNop())

	report, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrStalled)
	for _, status := range report.Workers {
		require.Equal(t, ExitFailure, status.ExitCode)
	}
}

func TestCoordinatorExpiredLeaseOfCrashedWorkerIsNotSuccess(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	spawner := InProcessSpawner{Run: func(ctx context.Context, _ int, _ worker.Emitter) (worker.Summary, error) {
		// Lease the start page and die without resolving it.
		if _, _, err := q.Lease(ctx, "crashed", time.Millisecond); err != nil {
			return worker.Summary{}, err
		}
		time.Sleep(5 * time.Millisecond)
		return worker.Summary{Leased: 1}, errors.New("worker crashed")
	}}
	c := New(q, recordsink.New(), spawner, Config{Workers: 1, StartURL: startURL, Seed: true}, zap.NewNop())

	_, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrStalled)
}

func TestCoordinatorPrepareWithoutSeed(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	c := New(q, recordsink.New(), InProcessSpawner{Run: workerFunc(q)}, Config{
		Workers: 1, StartURL: startURL, Fresh: true,
	}, zap.NewNop())
	require.NoError(t, c.Prepare(context.Background()))
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Total)

	bad := New(q, recordsink.New(), nil, Config{StartURL: "mailto:x@example.com", Seed: true}, nil)
	require.ErrorIs(t, bad.Prepare(context.Background()), crawler.ErrInvalidURL)
}

func TestCoordinatorCancelIsCleanShutdown(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	started := make(chan struct{}, 4)
	spawner := InProcessSpawner{Run: func(ctx context.Context, _ int, _ worker.Emitter) (worker.Summary, error) {
		started <- struct{}{}
		<-ctx.Done()
		return worker.Summary{}, nil
	}}
	c := New(q, recordsink.New(), spawner, Config{Workers: 2, StartURL: startURL, Seed: true}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx)
		done <- err
	}()
	<-started
	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop after cancel")
	}
	for _, status := range c.Workers() {
		require.Equal(t, StateExited, status.State)
	}
}
