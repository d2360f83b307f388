package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 2 || cfg.Crawler.Concurrency != 5 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Crawler)
	}
	if cfg.Crawler.LeaseDuration != 2*time.Minute {
		t.Fatalf("expected 2m lease, got %v", cfg.Crawler.LeaseDuration)
	}
	if cfg.Queue.Backend != BackendMemory || cfg.Queue.Name != "shop-urls" {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Sink.Kind != SinkJSONL || cfg.Sink.Path != "storage/datasets/default.jsonl" {
		t.Fatalf("unexpected sink defaults: %+v", cfg.Sink)
	}
	if !cfg.Crawler.Fresh || !cfg.Crawler.Seed {
		t.Fatalf("expected fresh and seed to default to true")
	}
	if got := cfg.SpawnMode(); got != SpawnInProcess {
		t.Fatalf("memory backend should resolve auto spawn to inprocess, got %q", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  workers: 4
  start_url: https://shop.example.com/collections
  concurrency: 8
  lease_duration: 5m
  max_retries: 2
  max_pagination_depth: 10
  fresh: false
queue:
  backend: redis
  name: audio
  redis_addr: redis:6379
  redis_db: 2
fetch:
  mode: auto
  timeout: 20s
  headless_max_parallel: 3
sink:
  kind: postgres
  dsn: postgres://localhost/records
api:
  addr: ":9090"
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawler.Workers != 4 || cfg.Crawler.Concurrency != 8 || cfg.Crawler.Fresh {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.LeaseDuration != 5*time.Minute || cfg.Fetch.Timeout != 20*time.Second {
		t.Fatalf("expected duration overrides to apply")
	}
	if cfg.Queue.Backend != BackendRedis || cfg.Queue.RedisDB != 2 || cfg.Queue.Name != "audio" {
		t.Fatalf("expected queue overrides: %+v", cfg.Queue)
	}
	if got := cfg.SpawnMode(); got != SpawnProcess {
		t.Fatalf("redis backend should resolve auto spawn to process, got %q", got)
	}
	if cfg.API.Addr != ":9090" || cfg.Logging.Development {
		t.Fatalf("expected api/logging overrides")
	}
	// auto: (20s static + 2*30s headless) * 3 attempts + 2 * 5s backoff.
	if got := cfg.RenderBudget(); got != 250*time.Second {
		t.Fatalf("expected render budget 250s, got %v", got)
	}
	// Defaults survive partial files.
	if cfg.Sink.Table != "product_records" {
		t.Fatalf("expected default sink table, got %q", cfg.Sink.Table)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"no start url", func(c *Config) { c.Crawler.StartURL = "" }, "crawler.start_url"},
		{"invalid concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"lease too short", func(c *Config) { c.Crawler.LeaseDuration = 60 * time.Second }, "crawler.lease_duration"},
		{"bad spawn", func(c *Config) { c.Crawler.Spawn = "fork" }, "crawler.spawn"},
		{"memory with processes", func(c *Config) { c.Crawler.Spawn = SpawnProcess }, "queue.backend memory"},
		{"postgres without dsn", func(c *Config) { c.Queue.Backend = BackendPostgres }, "queue.dsn"},
		{"unknown backend", func(c *Config) { c.Queue.Backend = "sqlite" }, "queue.backend"},
		{"headless without parallel", func(c *Config) {
			c.Fetch.Mode = FetchHeadless
			c.Crawler.LeaseDuration = 10 * time.Minute
			c.Fetch.HeadlessMaxParallel = 0
		}, "fetch.headless_max_parallel"},
		{"lease shorter than headless render", func(c *Config) {
			c.Fetch.Mode = FetchHeadless
			c.Fetch.NavTimeout = 90 * time.Second
		}, "fetch.mode headless"},
		{"lease shorter than retry backoff", func(c *Config) {
			c.Crawler.RetryBackoffMax = 30 * time.Second
		}, "crawler.lease_duration"},
		{"gcs without bucket", func(c *Config) { c.Sink.Kind = SinkGCS }, "sink.gcs_bucket"},
		{"pubsub without topic", func(c *Config) { c.Sink.Kind = SinkPubSub }, "sink.topic"},
		{"negative pagination depth", func(c *Config) { c.Crawler.MaxPaginationDepth = -1 }, "max_pagination_depth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
