// Package queue selects the shared work queue backend named in configuration.
package queue

import (
	"context"
	"fmt"

	"github.com/JakeFAU/shopcrawl/internal/config"
	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/queue/memory"
	"github.com/JakeFAU/shopcrawl/internal/queue/postgres"
	"github.com/JakeFAU/shopcrawl/internal/queue/redis"
)

// Open connects to the configured backend. It does not call Initialize; the
// coordinator does that exactly once per run.
func Open(ctx context.Context, cfg config.QueueConfig) (crawler.Queue, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewQueue(), nil
	case config.BackendPostgres:
		q, err := postgres.NewQueue(ctx, postgres.Config{
			DSN:   cfg.DSN,
			Name:  cfg.Name,
			Table: cfg.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres queue: %w", err)
		}
		return q, nil
	case config.BackendRedis:
		q, err := redis.NewQueue(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Name:     cfg.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
