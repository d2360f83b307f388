package crawler

import (
	"context"
	"time"
)

// Queue is the shared, deduplicated, lease-based work queue.
type Queue interface {
	Enqueuer
	Initialize(ctx context.Context, fresh bool) error
	Lease(ctx context.Context, workerID string, duration time.Duration) (Lease, bool, error)
	Resolve(ctx context.Context, lease Lease, outcome Outcome) error
	IsFinished(ctx context.Context) (bool, error)
	Stats(ctx context.Context) (QueueStats, error)
	Close() error
}

// Enqueuer accepts derived requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request) (EnqueueResult, error)
}

// RenderedPage exposes the DOM queries the router needs.
type RenderedPage interface {
	URL() string
	// Text returns the trimmed text of the first element matching selector.
	Text(selector string) (string, bool)
	// TextContaining is Text restricted to elements whose text contains substr.
	TextContaining(selector, substr string) (string, bool)
	// Exists reports whether any element matching selector contains substr.
	Exists(selector, substr string) bool
	// Links returns absolute href values of matching elements, in document order.
	Links(selector string) []string
}

// Renderer fetches and renders a URL.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderedPage, error)
}

// Fetcher retrieves raw HTML for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Classifier maps a rendered page to derived work and an optional record.
type Classifier interface {
	Classify(req Request, page RenderedPage) (Result, error)
}

// Sink persists extracted records.
type Sink interface {
	Append(ctx context.Context, record Record) error
	Close(ctx context.Context) error
}

// RateLimiter throttles renders per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy decides whether and when a failed render is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for content-addressed names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entry IDs and lease tokens.
type IDGenerator interface {
	NewID() (string, error)
}
