// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Spawn modes for worker processes.
const (
	SpawnProcess   = "process"
	SpawnInProcess = "inprocess"
	SpawnAuto      = "auto"
)

// Queue backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Fetch modes.
const (
	FetchHTTP     = "http"
	FetchHeadless = "headless"
	FetchAuto     = "auto"
)

// Sink kinds.
const (
	SinkJSONL    = "jsonl"
	SinkGCS      = "gcs"
	SinkPostgres = "postgres"
	SinkPubSub   = "pubsub"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Sink    SinkConfig    `mapstructure:"sink"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlerConfig governs the coordinator and worker loop.
type CrawlerConfig struct {
	Workers             int           `mapstructure:"workers"`
	StartURL            string        `mapstructure:"start_url"`
	Concurrency         int           `mapstructure:"concurrency"`
	LeaseDuration       time.Duration `mapstructure:"lease_duration"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBackoffInitial time.Duration `mapstructure:"retry_backoff_initial"`
	RetryBackoffMax     time.Duration `mapstructure:"retry_backoff_max"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	PollMax             time.Duration `mapstructure:"poll_max"`
	MaxPaginationDepth  int           `mapstructure:"max_pagination_depth"`
	Fresh               bool          `mapstructure:"fresh"`
	Seed                bool          `mapstructure:"seed"`
	Spawn               string        `mapstructure:"spawn"`
	RateLimitRPS        float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst      int           `mapstructure:"rate_limit_burst"`
}

// QueueConfig selects and addresses the shared work queue backend.
type QueueConfig struct {
	Backend       string `mapstructure:"backend"`
	Name          string `mapstructure:"name"`
	DSN           string `mapstructure:"dsn"`
	Table         string `mapstructure:"table"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// FetchConfig configures the renderers.
type FetchConfig struct {
	Mode                string        `mapstructure:"mode"`
	Timeout             time.Duration `mapstructure:"timeout"`
	NavTimeout          time.Duration `mapstructure:"nav_timeout"`
	UserAgent           string        `mapstructure:"user_agent"`
	HeadlessMaxParallel int           `mapstructure:"headless_max_parallel"`
	PromotionThreshold  int           `mapstructure:"promotion_threshold"`
	RespectRobots       bool          `mapstructure:"respect_robots"`
}

// SinkConfig selects where extracted records go.
type SinkConfig struct {
	Kind      string `mapstructure:"kind"`
	Path      string `mapstructure:"path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// APIConfig controls the optional status server.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// NewViper returns a Viper instance with env binding and defaults applied.
// Callers may bind flags onto it before calling LoadFrom.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom reads path (if set) into v and decodes the result.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.start_url", "https://warehouse-theme-metal.myshopify.com/collections")
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.lease_duration", 2*time.Minute)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.retry_backoff_initial", 250*time.Millisecond)
	v.SetDefault("crawler.retry_backoff_max", 5*time.Second)
	v.SetDefault("crawler.poll_interval", 250*time.Millisecond)
	v.SetDefault("crawler.poll_max", 5*time.Second)
	v.SetDefault("crawler.max_pagination_depth", 0)
	v.SetDefault("crawler.fresh", true)
	v.SetDefault("crawler.seed", true)
	v.SetDefault("crawler.spawn", SpawnAuto)
	v.SetDefault("crawler.rate_limit_rps", 0.0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.name", "shop-urls")
	v.SetDefault("queue.dsn", "")
	v.SetDefault("queue.table", "request_queue")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("fetch.mode", FetchHTTP)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.nav_timeout", 30*time.Second)
	v.SetDefault("fetch.user_agent", "shopcrawl/0.1")
	v.SetDefault("fetch.headless_max_parallel", 5)
	v.SetDefault("fetch.promotion_threshold", 2048)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("sink.kind", SinkJSONL)
	v.SetDefault("sink.path", "storage/datasets/default.jsonl")
	v.SetDefault("sink.gcs_bucket", "")
	v.SetDefault("sink.gcs_prefix", "records")
	v.SetDefault("sink.dsn", "")
	v.SetDefault("sink.table", "product_records")
	v.SetDefault("sink.project_id", "")
	v.SetDefault("sink.topic", "")
	v.SetDefault("api.addr", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.StartURL == "" {
		return fmt.Errorf("crawler.start_url is required")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.PollInterval <= 0 || c.Crawler.PollMax < c.Crawler.PollInterval {
		return fmt.Errorf("crawler.poll_interval must be > 0 and <= crawler.poll_max")
	}
	if c.Crawler.MaxPaginationDepth < 0 {
		return fmt.Errorf("crawler.max_pagination_depth must be >= 0")
	}
	if c.Crawler.RateLimitRPS < 0 {
		return fmt.Errorf("crawler.rate_limit_rps must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if budget := c.RenderBudget(); c.Crawler.LeaseDuration <= budget {
		return fmt.Errorf("crawler.lease_duration (%s) must exceed the worst-case render with retries for fetch.mode %s (%s)",
			c.Crawler.LeaseDuration, c.Fetch.Mode, budget)
	}
	switch c.Crawler.Spawn {
	case SpawnProcess, SpawnInProcess, SpawnAuto:
	default:
		return fmt.Errorf("crawler.spawn must be one of process, inprocess, auto (got %q)", c.Crawler.Spawn)
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	switch c.Fetch.Mode {
	case FetchHTTP:
	case FetchHeadless, FetchAuto:
		if c.Fetch.HeadlessMaxParallel <= 0 {
			return fmt.Errorf("fetch.headless_max_parallel must be > 0 when headless rendering is enabled")
		}
		if c.Fetch.NavTimeout <= 0 {
			return fmt.Errorf("fetch.nav_timeout must be > 0 when headless rendering is enabled")
		}
	default:
		return fmt.Errorf("fetch.mode must be one of http, headless, auto (got %q)", c.Fetch.Mode)
	}
	return c.validateSink()
}

func (c Config) validateQueue() error {
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	switch c.Queue.Backend {
	case BackendMemory:
		if c.Crawler.Spawn == SpawnProcess {
			return fmt.Errorf("queue.backend memory cannot be shared with crawler.spawn=process")
		}
	case BackendPostgres:
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of memory, postgres, redis (got %q)", c.Queue.Backend)
	}
	return nil
}

func (c Config) validateSink() error {
	switch c.Sink.Kind {
	case SinkJSONL:
		if c.Sink.Path == "" {
			return fmt.Errorf("sink.path is required for the jsonl sink")
		}
	case SinkGCS:
		if c.Sink.GCSBucket == "" {
			return fmt.Errorf("sink.gcs_bucket is required for the gcs sink")
		}
	case SinkPostgres:
		if c.Sink.DSN == "" {
			return fmt.Errorf("sink.dsn is required for the postgres sink")
		}
	case SinkPubSub:
		if c.Sink.ProjectID == "" || c.Sink.Topic == "" {
			return fmt.Errorf("sink.project_id and sink.topic are required for the pubsub sink")
		}
	default:
		return fmt.Errorf("sink.kind must be one of jsonl, gcs, postgres, pubsub (got %q)", c.Sink.Kind)
	}
	return nil
}

// RenderBudget is the worst-case time one lease can spend rendering: every
// attempt at its longest plus the longest backoff before each retry.
func (c Config) RenderBudget() time.Duration {
	attempts := time.Duration(c.Crawler.MaxRetries + 1)
	backoff := time.Duration(c.Crawler.MaxRetries) * c.Crawler.RetryBackoffMax
	return c.attemptBudget()*attempts + backoff
}

// attemptBudget bounds one render. A headless render may wait one navigation
// timeout for a browser slot and another to navigate; auto mode fetches
// statically first.
func (c Config) attemptBudget() time.Duration {
	headless := 2 * c.Fetch.NavTimeout
	switch c.Fetch.Mode {
	case FetchHeadless:
		return headless
	case FetchAuto:
		return c.Fetch.Timeout + headless
	default:
		return c.Fetch.Timeout
	}
}

// SpawnMode resolves "auto" into a concrete spawn mode.
func (c Config) SpawnMode() string {
	if c.Crawler.Spawn != SpawnAuto {
		return c.Crawler.Spawn
	}
	if c.Queue.Backend == BackendMemory {
		return SpawnInProcess
	}
	return SpawnProcess
}
