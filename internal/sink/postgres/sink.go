// Package postgres upserts extracted records into a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink writes record rows into Postgres. Rows are keyed by URL, so a record
// delivered twice updates the same row.
type Sink struct {
	pool  execCloser
	table string
}

// New creates a Postgres-backed Sink and ensures its table exists.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "product_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, table: table}, nil
}

// EnsureTable creates the record table when missing.
func (s *Sink) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	manufacturer TEXT NOT NULL,
	title TEXT NOT NULL,
	sku TEXT NOT NULL,
	current_price DOUBLE PRECISION NOT NULL,
	available_in_stock BOOLEAN NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create record table: %w", err)
	}
	return nil
}

// Append upserts one record row.
func (s *Sink) Append(ctx context.Context, record crawler.Record) error {
	if record.URL == "" {
		return fmt.Errorf("record url is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	url,
	manufacturer,
	title,
	sku,
	current_price,
	available_in_stock
) VALUES (
	$1,$2,$3,$4,$5,$6
)
ON CONFLICT (url) DO UPDATE SET
	manufacturer = EXCLUDED.manufacturer,
	title = EXCLUDED.title,
	sku = EXCLUDED.sku,
	current_price = EXCLUDED.current_price,
	available_in_stock = EXCLUDED.available_in_stock,
	stored_at = now()`, s.table)

	args := []any{
		record.URL,
		record.Manufacturer,
		record.Title,
		record.SKU,
		record.CurrentPrice,
		record.AvailableInStock,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
