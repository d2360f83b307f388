// Package sink opens the record sink selected by configuration.
package sink

import (
	"context"
	"fmt"

	"github.com/JakeFAU/shopcrawl/internal/config"
	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/sink/gcs"
	"github.com/JakeFAU/shopcrawl/internal/sink/jsonl"
	"github.com/JakeFAU/shopcrawl/internal/sink/postgres"
	"github.com/JakeFAU/shopcrawl/internal/sink/pubsub"
)

// Open builds the sink named by cfg.Kind.
func Open(ctx context.Context, cfg config.SinkConfig) (crawler.Sink, error) {
	switch cfg.Kind {
	case config.SinkJSONL, "":
		s, err := jsonl.New(jsonl.Config{Path: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("open jsonl sink: %w", err)
		}
		return s, nil
	case config.SinkGCS:
		s, err := gcs.New(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs sink: %w", err)
		}
		return s, nil
	case config.SinkPostgres:
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table})
		if err != nil {
			return nil, fmt.Errorf("open postgres sink: %w", err)
		}
		return s, nil
	case config.SinkPubSub:
		s, err := pubsub.New(ctx, pubsub.Config{ProjectID: cfg.ProjectID, Topic: cfg.Topic}, nil)
		if err != nil {
			return nil, fmt.Errorf("open pubsub sink: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
