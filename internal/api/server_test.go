package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/coordinator"
	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/metrics"
	"github.com/JakeFAU/shopcrawl/internal/queue/memory"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

type fakeSource struct {
	queue   crawler.Queue
	workers []coordinator.WorkerStatus
}

func (f fakeSource) Workers() []coordinator.WorkerStatus { return f.workers }
func (f fakeSource) Queue() crawler.Queue                { return f.queue }

type brokenQueue struct {
	crawler.Queue
}

func (brokenQueue) Stats(context.Context) (crawler.QueueStats, error) {
	return crawler.QueueStats{}, errors.New("connection refused")
}

func newSeededQueue(t *testing.T) crawler.Queue {
	t.Helper()
	q := memory.NewQueue()
	ctx := context.Background()
	require.NoError(t, q.Initialize(ctx, true))
	for _, u := range []string{"https://shop.example/collections", "https://shop.example/products/a"} {
		req, err := crawler.NewRequest(u, crawler.LabelUnlabeled, 0)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, req)
		require.NoError(t, err)
	}
	return q
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := NewServer(fakeSource{queue: memory.NewQueue()}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := NewServer(fakeSource{queue: memory.NewQueue()}, zap.NewNop())
	rec := httptest.NewRecorder()
	ready.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(fakeSource{queue: brokenQueue{}}, zap.NewNop())
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	summary := worker.Summary{Leased: 7, Resolved: 7, Records: 2}
	source := fakeSource{
		queue: newSeededQueue(t),
		workers: []coordinator.WorkerStatus{
			{Index: 0, PID: 4242, State: coordinator.StateRunning, Records: 3},
			{Index: 1, PID: 4243, State: coordinator.StateExited, Summary: &summary},
		},
	}
	server := NewServer(source, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Queue.Total)
	require.Equal(t, 2, body.Queue.Available)
	require.Len(t, body.Workers, 2)
	require.Equal(t, 3, body.Workers[0].Records)
	require.NotNil(t, body.Workers[1].Summary)
	require.Equal(t, 7, body.Workers[1].Summary.Resolved)
}

func TestServer_StatusQueueUnavailable(t *testing.T) {
	t.Parallel()

	server := NewServer(fakeSource{queue: brokenQueue{}}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "queue stats unavailable")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	metrics.ObservePromotion()
	server := NewServer(fakeSource{queue: memory.NewQueue()}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawler_headless_promotions_total")
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := NewServer(fakeSource{}, zap.NewNop())
	rec := httptest.NewRecorder()
	// A nil queue panics inside the handler.
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := NewServer(fakeSource{queue: memory.NewQueue()}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ListenAndServe(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
