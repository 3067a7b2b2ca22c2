package guardrails

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the first pipeline layer.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstLimit        int           // max requests within BurstWindow
	BurstWindow       time.Duration // default 1s
	BlockDuration     time.Duration // block-list residence after a breach
	Allowlist         []string      // client keys that bypass limiting
	Denylist          []string      // client keys blocked outright
}

// DefaultRateLimitConfig mirrors production defaults: 60 rpm, burst 10/1s,
// 5-minute block.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstLimit:        10,
		BurstWindow:       time.Second,
		BlockDuration:     300 * time.Second,
	}
}

// WindowStore counts a client's requests in the sliding minute window.
type WindowStore interface {
	// Count records one hit for key and returns the total within window.
	Count(ctx context.Context, key string, window time.Duration) (int, error)
}

// memoryWindow is the single-instance sliding window.
type memoryWindow struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func newMemoryWindow(now func() time.Time) *memoryWindow {
	return &memoryWindow{hits: make(map[string][]time.Time), now: now}
}

func (w *memoryWindow) Count(_ context.Context, key string, window time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-window)
	kept := w.hits[key][:0]
	for _, ts := range w.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	w.hits[key] = kept
	return len(kept), nil
}

// redisWindowScript counts hits in a sliding window atomically.
// KEYS[1] = window key, ARGV[1] = now (unix micros), ARGV[2] = window micros.
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
redis.call("ZADD", key, now, now .. "-" .. math.random(1000000))
redis.call("PEXPIRE", key, math.ceil(window / 1000))
return redis.call("ZCARD", key)
`)

// RedisWindow shares the sliding window across bus instances.
type RedisWindow struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisWindow wraps a go-redis client as a WindowStore.
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client, now: time.Now}
}

func (w *RedisWindow) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	now := w.now().UnixMicro()
	res, err := redisWindowScript.Run(ctx, w.client,
		[]string{"acgs2:guardrails:window:" + key}, now, window.Microseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("guardrails: redis window: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("guardrails: redis window returned %T", res)
	}
	return int(n), nil
}

// RateLimiter is pipeline layer 1. Exceeding either the minute window or
// the burst bucket puts the client key on the block list.
type RateLimiter struct {
	cfg    RateLimitConfig
	window WindowStore
	clock  func() time.Time

	mu      sync.Mutex
	bursts  map[string]*rate.Limiter
	blocked map[string]time.Time
	allow   map[string]struct{}
	deny    map[string]struct{}
}

// NewRateLimiter builds the layer with an in-memory window.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = 10
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 300 * time.Second
	}
	rl := &RateLimiter{
		cfg:     cfg,
		clock:   time.Now,
		bursts:  make(map[string]*rate.Limiter),
		blocked: make(map[string]time.Time),
		allow:   make(map[string]struct{}, len(cfg.Allowlist)),
		deny:    make(map[string]struct{}, len(cfg.Denylist)),
	}
	for _, k := range cfg.Allowlist {
		rl.allow[k] = struct{}{}
	}
	for _, k := range cfg.Denylist {
		rl.deny[k] = struct{}{}
	}
	rl.window = newMemoryWindow(rl.now)
	return rl
}

// WithWindowStore swaps the sliding-window backend, e.g. for Redis.
func (rl *RateLimiter) WithWindowStore(w WindowStore) *RateLimiter {
	rl.window = w
	return rl
}

// WithClock overrides the clock for deterministic testing.
func (rl *RateLimiter) WithClock(clock func() time.Time) *RateLimiter {
	rl.clock = clock
	if mw, ok := rl.window.(*memoryWindow); ok {
		mw.now = clock
	}
	return rl
}

func (rl *RateLimiter) now() time.Time { return rl.clock() }

func (rl *RateLimiter) Name() string { return "rate_limiter" }

func (rl *RateLimiter) Check(ctx context.Context, req *Request) (*LayerResult, error) {
	key := req.ClientKey()

	if _, ok := rl.deny[key]; ok {
		return &LayerResult{
			Layer:  rl.Name(),
			Action: ActionBlock,
			Violations: []Violation{{
				Layer:    rl.Name(),
				Rule:     "denylist",
				Severity: SeverityCritical,
				Detail:   "client is deny-listed",
			}},
		}, nil
	}
	if _, ok := rl.allow[key]; ok {
		return &LayerResult{Layer: rl.Name(), Action: ActionAllow,
			Metadata: map[string]any{"allowlisted": true}}, nil
	}

	now := rl.now()
	rl.mu.Lock()
	if until, ok := rl.blocked[key]; ok {
		if now.Before(until) {
			rl.mu.Unlock()
			return rl.blockedResult(key, until), nil
		}
		delete(rl.blocked, key)
	}
	burst, ok := rl.bursts[key]
	if !ok {
		// Bucket refills over BurstWindow; capacity is the burst limit.
		burst = rate.NewLimiter(rate.Limit(float64(rl.cfg.BurstLimit)/rl.cfg.BurstWindow.Seconds()), rl.cfg.BurstLimit)
		rl.bursts[key] = burst
	}
	rl.mu.Unlock()

	count, err := rl.window.Count(ctx, key, time.Minute)
	if err != nil {
		// Window backend outage: the caller's fail-closed setting decides.
		return nil, err
	}

	if count > rl.cfg.RequestsPerMinute {
		return rl.breach(key, "rate_limit_exceeded",
			fmt.Sprintf("%d requests in the last minute (limit %d)", count, rl.cfg.RequestsPerMinute)), nil
	}
	if !burst.AllowN(now, 1) {
		return rl.breach(key, "burst_limit_exceeded",
			fmt.Sprintf("burst limit %d per %s exceeded", rl.cfg.BurstLimit, rl.cfg.BurstWindow)), nil
	}

	return &LayerResult{Layer: rl.Name(), Action: ActionAllow,
		Metadata: map[string]any{"window_count": count}}, nil
}

func (rl *RateLimiter) breach(key, rule, detail string) *LayerResult {
	until := rl.now().Add(rl.cfg.BlockDuration)
	rl.mu.Lock()
	rl.blocked[key] = until
	rl.mu.Unlock()
	return &LayerResult{
		Layer:  rl.Name(),
		Action: ActionBlock,
		Violations: []Violation{{
			Layer:    rl.Name(),
			Rule:     rule,
			Severity: SeverityHigh,
			Detail:   detail,
		}},
		Metadata: map[string]any{"blocked_until": until.UTC().Format(time.RFC3339)},
	}
}

func (rl *RateLimiter) blockedResult(key string, until time.Time) *LayerResult {
	return &LayerResult{
		Layer:  rl.Name(),
		Action: ActionBlock,
		Violations: []Violation{{
			Layer:    rl.Name(),
			Rule:     "client_blocked",
			Severity: SeverityHigh,
			Detail:   fmt.Sprintf("client %s blocked until %s", key, until.UTC().Format(time.RFC3339)),
		}},
	}
}
