// Package redis provides a shared work queue stored in Redis.
//
// Every mutation runs as a Lua script so each operation is atomic on the server.
// All keys share the {name} hash tag and therefore one cluster slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/shopcrawl/internal/clock/system"
	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/id/uuid"
)

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Name     string
}

var enqueueScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	return 0
end
local id = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], ARGV[1], id)
redis.call("HSET", ARGV[5] .. id,
	"url", ARGV[2], "label", ARGV[3], "key", ARGV[1], "depth", ARGV[4],
	"state", "available", "attempts", 0)
redis.call("RPUSH", KEYS[3], id)
redis.call("HINCRBY", KEYS[4], "total", 1)
redis.call("HINCRBY", KEYS[4], "available", 1)
return 1
`)

// Expired leases are reclaimed before fresh entries are popped.
var leaseScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local id
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 1)
if #expired > 0 then
	id = expired[1]
else
	id = redis.call("LPOP", KEYS[1])
	if not id then
		return false
	end
	redis.call("HINCRBY", KEYS[3], "available", -1)
	redis.call("HINCRBY", KEYS[3], "locked", 1)
end
local expiry = now + tonumber(ARGV[2])
local entry = ARGV[5] .. id
redis.call("HSET", entry, "state", "locked", "owner", ARGV[3], "token", ARGV[4], "expiry", expiry)
local attempts = redis.call("HINCRBY", entry, "attempts", 1)
redis.call("ZADD", KEYS[2], expiry, id)
local f = redis.call("HMGET", entry, "url", "label", "key", "depth")
return {tostring(id), f[1], f[2], f[3], f[4], expiry, attempts}
`)

// Returns -1 for an unknown entry and 0 for a superseded lease.
var resolveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local cur = redis.call("HMGET", KEYS[1], "state", "token")
if cur[1] ~= "locked" or cur[2] ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "last_error", ARGV[3], "owner", "", "token", "", "expiry", 0)
redis.call("ZREM", KEYS[2], ARGV[4])
redis.call("HINCRBY", KEYS[3], "locked", -1)
redis.call("HINCRBY", KEYS[3], ARGV[2], 1)
return 1
`)

var finishedScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) > 0 then
	return 0
end
if redis.call("ZCARD", KEYS[2]) > 0 then
	return 0
end
return 1
`)

// Queue implements crawler.Queue on Redis.
type Queue struct {
	client redis.UniversalClient
	name   string
	clock  crawler.Clock
	ids    crawler.IDGenerator
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock sets the clock lease deadlines are computed from.
func WithClock(clock crawler.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithIDGenerator sets the lease token generator.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(q *Queue) {
		if ids != nil {
			q.ids = ids
		}
	}
}

// NewQueue dials Redis and verifies the connection.
func NewQueue(ctx context.Context, cfg Config, opts ...Option) (*Queue, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("queue.redis_addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	q, err := NewQueueWithClient(client, cfg.Name, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

// NewQueueWithClient wraps an existing client.
func NewQueueWithClient(client redis.UniversalClient, name string, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	q := &Queue{
		client: client,
		name:   name,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *Queue) key(suffix string) string {
	return "{" + q.name + "}:" + suffix
}

func (q *Queue) entryPrefix() string {
	return q.key("entry:")
}

// Initialize is a no-op for an existing queue; fresh deletes every key it owns.
func (q *Queue) Initialize(ctx context.Context, fresh bool) error {
	if !fresh {
		return nil
	}
	var keys []string
	iter := q.client.Scan(ctx, 0, q.entryPrefix()+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan queue %q: %w", q.name, err)
	}
	keys = append(keys, q.key("seen"), q.key("seq"), q.key("available"), q.key("leases"), q.key("stats"))
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		if err := q.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("drop queue %q: %w", q.name, err)
		}
	}
	return nil
}

// Enqueue stores req unless its identity key is in the seen set.
func (q *Queue) Enqueue(ctx context.Context, req crawler.Request) (crawler.EnqueueResult, error) {
	key, err := crawler.IdentityKey(req.URL)
	if err != nil {
		return crawler.AlreadyPresent, fmt.Errorf("enqueue: %w", err)
	}
	keys := []string{q.key("seen"), q.key("seq"), q.key("available"), q.key("stats")}
	added, err := enqueueScript.Run(ctx, q.client, keys,
		key, req.URL, req.Label.String(), req.Depth, q.entryPrefix()).Int()
	if err != nil {
		return crawler.AlreadyPresent, fmt.Errorf("enqueue request: %w", err)
	}
	if added == 0 {
		return crawler.AlreadyPresent, nil
	}
	return crawler.Added, nil
}

// Lease claims an expired lease or the oldest available entry.
func (q *Queue) Lease(ctx context.Context, workerID string, duration time.Duration) (crawler.Lease, bool, error) {
	if duration <= 0 {
		return crawler.Lease{}, false, fmt.Errorf("lease duration must be > 0")
	}
	token, err := q.ids.NewID()
	if err != nil {
		return crawler.Lease{}, false, fmt.Errorf("generate lease token: %w", err)
	}
	keys := []string{q.key("available"), q.key("leases"), q.key("stats")}
	now := q.clock.Now().UnixMilli()
	res, err := leaseScript.Run(ctx, q.client, keys,
		now, duration.Milliseconds(), workerID, token, q.entryPrefix()).Slice()
	if errors.Is(err, redis.Nil) {
		return crawler.Lease{}, false, nil
	}
	if err != nil {
		return crawler.Lease{}, false, fmt.Errorf("lease request: %w", err)
	}
	return decodeLease(res, workerID, token)
}

func decodeLease(res []any, owner, token string) (crawler.Lease, bool, error) {
	if len(res) != 7 {
		return crawler.Lease{}, false, fmt.Errorf("%w: lease reply has %d fields", crawler.ErrInvariant, len(res))
	}
	str := func(i int) string {
		s, _ := res[i].(string)
		return s
	}
	num := func(i int) int64 {
		n, _ := res[i].(int64)
		return n
	}
	label, err := crawler.ParseLabel(str(2))
	if err != nil {
		return crawler.Lease{}, false, fmt.Errorf("lease entry %s: %w", str(0), err)
	}
	depth, err := strconv.Atoi(str(4))
	if err != nil {
		return crawler.Lease{}, false, fmt.Errorf("%w: lease entry %s depth %q", crawler.ErrInvariant, str(0), str(4))
	}
	return crawler.Lease{
		ID: str(0),
		Request: crawler.Request{
			URL:       str(1),
			Label:     label,
			UniqueKey: str(3),
			Depth:     depth,
		},
		Owner:    owner,
		Token:    token,
		Expiry:   time.UnixMilli(num(5)).UTC(),
		Attempts: int(num(6)),
	}, true, nil
}

// Resolve moves a held lease into its terminal state.
func (q *Queue) Resolve(ctx context.Context, lease crawler.Lease, outcome crawler.Outcome) error {
	keys := []string{q.entryPrefix() + lease.ID, q.key("leases"), q.key("stats")}
	res, err := resolveScript.Run(ctx, q.client, keys,
		lease.Token, string(outcome.State()), outcome.Reason, lease.ID).Int()
	if err != nil {
		return fmt.Errorf("resolve request: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("resolve %q: %w", lease.Request.URL, crawler.ErrLeaseLost)
	default:
		return fmt.Errorf("%w: resolve unknown entry %q", crawler.ErrInvariant, lease.ID)
	}
}

// IsFinished reports whether nothing is available and nothing is locked,
// expired or not.
func (q *Queue) IsFinished(ctx context.Context) (bool, error) {
	keys := []string{q.key("available"), q.key("leases")}
	res, err := finishedScript.Run(ctx, q.client, keys).Int()
	if err != nil {
		return false, fmt.Errorf("check queue finished: %w", err)
	}
	return res == 1, nil
}

// Stats reads the per-state counters.
func (q *Queue) Stats(ctx context.Context) (crawler.QueueStats, error) {
	raw, err := q.client.HGetAll(ctx, q.key("stats")).Result()
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	count := func(field string) int {
		n, _ := strconv.Atoi(raw[field])
		return n
	}
	return crawler.QueueStats{
		Total:     count("total"),
		Available: count("available"),
		Locked:    count("locked"),
		Resolved:  count(string(crawler.StateResolved)),
		Failed:    count(string(crawler.StateFailed)),
	}, nil
}

// Close closes the client.
func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	if err := q.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
