// Package postgres provides a shared work queue stored in a Postgres table.
//
// Leases are taken with SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never claim the same row, and every deadline is computed from the database's
// now() so worker clocks do not need to agree.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/id/uuid"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and the table backing the queue.
type Config struct {
	DSN             string
	Name            string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Queue implements crawler.Queue on Postgres.
type Queue struct {
	pool  dbPool
	name  string
	table string
	ids   crawler.IDGenerator
}

// NewQueue connects to Postgres using cfg.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	q, err := NewQueueWithPool(pool, cfg.Name, cfg.Table, nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return q, nil
}

// NewQueueWithPool constructs a queue from an existing pool (primarily for testing).
// A nil ids falls back to UUIDv7 lease tokens.
func NewQueueWithPool(pool dbPool, name, table string, ids crawler.IDGenerator) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if table == "" {
		table = "request_queue"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &Queue{pool: pool, name: name, table: table, ids: ids}, nil
}

// Initialize creates the table if needed; fresh deletes this queue's rows.
func (q *Queue) Initialize(ctx context.Context, fresh bool) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	queue_name TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	url TEXT NOT NULL,
	label TEXT NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'available',
	owner TEXT,
	token TEXT,
	lease_expiry TIMESTAMPTZ,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (queue_name, identity_key)
)`, q.table)
	if _, err := q.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	if !fresh {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE queue_name = $1`, q.table)
	if _, err := q.pool.Exec(ctx, query, q.name); err != nil {
		return fmt.Errorf("drop queue %q: %w", q.name, err)
	}
	return nil
}

// Enqueue inserts req unless a row with the same identity key exists.
func (q *Queue) Enqueue(ctx context.Context, req crawler.Request) (crawler.EnqueueResult, error) {
	key, err := crawler.IdentityKey(req.URL)
	if err != nil {
		return crawler.AlreadyPresent, fmt.Errorf("enqueue: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (queue_name, identity_key, url, label, depth)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (queue_name, identity_key) DO NOTHING`, q.table)
	tag, err := q.pool.Exec(ctx, query, q.name, key, req.URL, req.Label.String(), req.Depth)
	if err != nil {
		return crawler.AlreadyPresent, fmt.Errorf("insert request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.AlreadyPresent, nil
	}
	return crawler.Added, nil
}

// Lease claims the oldest available row, or the oldest row whose lease expired.
func (q *Queue) Lease(ctx context.Context, workerID string, duration time.Duration) (crawler.Lease, bool, error) {
	if duration <= 0 {
		return crawler.Lease{}, false, fmt.Errorf("lease duration must be > 0")
	}
	token, err := q.ids.NewID()
	if err != nil {
		return crawler.Lease{}, false, fmt.Errorf("generate lease token: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %[1]s
SET state = 'locked',
	owner = $2,
	token = $3,
	lease_expiry = now() + ($4 * interval '1 millisecond'),
	attempts = attempts + 1,
	updated_at = now()
WHERE id = (
	SELECT id FROM %[1]s
	WHERE queue_name = $1
		AND (state = 'available' OR (state = 'locked' AND lease_expiry <= now()))
	ORDER BY id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, url, label, identity_key, depth, lease_expiry, attempts`, q.table)

	var (
		id       int64
		label    string
		expiry   time.Time
		attempts int
		req      crawler.Request
	)
	row := q.pool.QueryRow(ctx, query, q.name, workerID, token, duration.Milliseconds())
	if err := row.Scan(&id, &req.URL, &label, &req.UniqueKey, &req.Depth, &expiry, &attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Lease{}, false, nil
		}
		return crawler.Lease{}, false, fmt.Errorf("lease request: %w", err)
	}
	req.Label, err = crawler.ParseLabel(label)
	if err != nil {
		return crawler.Lease{}, false, fmt.Errorf("lease row %d: %w", id, err)
	}
	return crawler.Lease{
		ID:       strconv.FormatInt(id, 10),
		Request:  req,
		Owner:    workerID,
		Token:    token,
		Expiry:   expiry,
		Attempts: attempts,
	}, true, nil
}

// Resolve marks a held lease resolved or failed.
func (q *Queue) Resolve(ctx context.Context, lease crawler.Lease, outcome crawler.Outcome) error {
	id, err := strconv.ParseInt(lease.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: resolve malformed entry id %q", crawler.ErrInvariant, lease.ID)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET state = $3, last_error = $4, owner = NULL, token = NULL, lease_expiry = NULL, updated_at = now()
WHERE queue_name = $1 AND id = $2 AND state = 'locked' AND token = $5`, q.table)
	tag, err := q.pool.Exec(ctx, query, q.name, id, string(outcome.State()), outcome.Reason, lease.Token)
	if err != nil {
		return fmt.Errorf("resolve request: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var state string
	lookup := fmt.Sprintf(`SELECT state FROM %s WHERE queue_name = $1 AND id = $2`, q.table)
	if err := q.pool.QueryRow(ctx, lookup, q.name, id).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: resolve unknown entry %q", crawler.ErrInvariant, lease.ID)
		}
		return fmt.Errorf("lookup entry: %w", err)
	}
	return fmt.Errorf("resolve %q (state %s): %w", lease.Request.URL, state, crawler.ErrLeaseLost)
}

// IsFinished reports whether every row is resolved or failed. Expired locks
// are still pending.
func (q *Queue) IsFinished(ctx context.Context) (bool, error) {
	query := fmt.Sprintf(`
SELECT NOT EXISTS (
	SELECT 1 FROM %s
	WHERE queue_name = $1
		AND state IN ('available', 'locked')
)`, q.table)
	var finished bool
	if err := q.pool.QueryRow(ctx, query, q.name).Scan(&finished); err != nil {
		return false, fmt.Errorf("check queue finished: %w", err)
	}
	return finished, nil
}

// Stats counts rows per state.
func (q *Queue) Stats(ctx context.Context) (crawler.QueueStats, error) {
	query := fmt.Sprintf(`
SELECT
	count(*),
	count(*) FILTER (WHERE state = 'available'),
	count(*) FILTER (WHERE state = 'locked'),
	count(*) FILTER (WHERE state = 'resolved'),
	count(*) FILTER (WHERE state = 'failed')
FROM %s
WHERE queue_name = $1`, q.table)
	var s crawler.QueueStats
	err := q.pool.QueryRow(ctx, query, q.name).Scan(&s.Total, &s.Available, &s.Locked, &s.Resolved, &s.Failed)
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

// Close releases the underlying pool resources.
func (q *Queue) Close() error {
	if q == nil || q.pool == nil {
		return nil
	}
	q.pool.Close()
	return nil
}
