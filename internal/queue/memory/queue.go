// Package memory provides an in-process shared work queue.
//
// All state sits behind one mutex, which makes every operation linearizable. The
// queue is only shared by goroutines of one process; use the postgres or redis
// backends when workers run as separate processes.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/shopcrawl/internal/clock/system"
	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

type entry struct {
	id       string
	req      crawler.Request
	state    crawler.EntryState
	owner    string
	token    string
	expiry   time.Time
	attempts int
	lastErr  string
}

// Queue implements crawler.Queue in memory.
type Queue struct {
	mu     sync.Mutex
	clock  crawler.Clock
	ids    crawler.IDGenerator
	byKey  map[string]*entry
	byID   map[string]*entry
	order  []*entry
	tokens uint64
	closed bool
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the clock used for lease deadlines.
func WithClock(clock crawler.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithIDGenerator overrides entry ID and lease token generation.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(q *Queue) {
		q.ids = ids
	}
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		clock: system.New(),
		byKey: make(map[string]*entry),
		byID:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Initialize opens the queue; fresh discards every entry.
func (q *Queue) Initialize(_ context.Context, fresh bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("initialize queue: queue closed")
	}
	if fresh {
		q.byKey = make(map[string]*entry)
		q.byID = make(map[string]*entry)
		q.order = nil
	}
	return nil
}

// Enqueue adds req unless its identity key was seen before.
func (q *Queue) Enqueue(ctx context.Context, req crawler.Request) (crawler.EnqueueResult, error) {
	if err := ctx.Err(); err != nil {
		return crawler.AlreadyPresent, fmt.Errorf("enqueue canceled: %w", err)
	}
	key, err := crawler.IdentityKey(req.URL)
	if err != nil {
		return crawler.AlreadyPresent, fmt.Errorf("enqueue: %w", err)
	}
	req.UniqueKey = key

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.AlreadyPresent, fmt.Errorf("enqueue: queue closed")
	}
	if _, seen := q.byKey[key]; seen {
		return crawler.AlreadyPresent, nil
	}
	id, err := q.newIDLocked("req")
	if err != nil {
		return crawler.AlreadyPresent, err
	}
	e := &entry{id: id, req: req, state: crawler.StateAvailable}
	q.byKey[key] = e
	q.byID[id] = e
	q.order = append(q.order, e)
	return crawler.Added, nil
}

// Lease grants workerID an exclusive claim on the oldest eligible entry.
func (q *Queue) Lease(ctx context.Context, workerID string, duration time.Duration) (crawler.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Lease{}, false, fmt.Errorf("lease canceled: %w", err)
	}
	if duration <= 0 {
		return crawler.Lease{}, false, fmt.Errorf("lease duration must be > 0")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.Lease{}, false, fmt.Errorf("lease: queue closed")
	}
	now := q.clock.Now()
	for _, e := range q.order {
		if !leasable(e, now) {
			continue
		}
		token, err := q.newIDLocked("lease")
		if err != nil {
			return crawler.Lease{}, false, err
		}
		e.state = crawler.StateLocked
		e.owner = workerID
		e.token = token
		e.expiry = now.Add(duration)
		e.attempts++
		return crawler.Lease{
			ID:       e.id,
			Request:  e.req,
			Owner:    e.owner,
			Token:    e.token,
			Expiry:   e.expiry,
			Attempts: e.attempts,
		}, true, nil
	}
	return crawler.Lease{}, false, nil
}

// Resolve moves a held lease into its terminal state.
func (q *Queue) Resolve(_ context.Context, lease crawler.Lease, outcome crawler.Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[lease.ID]
	if !ok {
		return fmt.Errorf("%w: resolve unknown entry %q", crawler.ErrInvariant, lease.ID)
	}
	if e.state != crawler.StateLocked || e.token != lease.Token {
		return fmt.Errorf("resolve %q: %w", lease.Request.URL, crawler.ErrLeaseLost)
	}
	e.state = outcome.State()
	e.lastErr = outcome.Reason
	e.owner = ""
	e.token = ""
	e.expiry = time.Time{}
	return nil
}

// IsFinished reports whether every entry is resolved or failed. An expired
// lock still counts as pending: it is leasable again.
func (q *Queue) IsFinished(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.order {
		if e.state == crawler.StateAvailable || e.state == crawler.StateLocked {
			return false, nil
		}
	}
	return true, nil
}

// Stats counts entries per state. Expired locks still count as locked.
func (q *Queue) Stats(_ context.Context) (crawler.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := crawler.QueueStats{Total: len(q.order)}
	for _, e := range q.order {
		switch e.state {
		case crawler.StateAvailable:
			stats.Available++
		case crawler.StateLocked:
			stats.Locked++
		case crawler.StateResolved:
			stats.Resolved++
		case crawler.StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close rejects further operations. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func leasable(e *entry, now time.Time) bool {
	switch e.state {
	case crawler.StateAvailable:
		return true
	case crawler.StateLocked:
		return !now.Before(e.expiry)
	default:
		return false
	}
}

func (q *Queue) newIDLocked(prefix string) (string, error) {
	if q.ids != nil {
		id, err := q.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate %s id: %w", prefix, err)
		}
		return id, nil
	}
	q.tokens++
	return prefix + "-" + strconv.FormatUint(q.tokens, 10), nil
}
