// Package ratelimit provides distributed rate limiting for multi-replica
// deployments. The in-process token bucket in the api package is correct for
// a single attractord instance but cannot coordinate across replicas behind a
// load balancer; RedisLimiter implements a sliding window counter in Redis so
// every replica enforces the same budget per client.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result holds the outcome of a rate limit check.
type Result struct {
	Allowed   bool  // Whether the request is allowed.
	Remaining int   // Approximate requests remaining in the window.
	ResetMs   int64 // Milliseconds until capacity frees up (0 if allowed).
	Limit     int   // Window capacity.
}

// Limiter abstracts rate limiting behind a simple interface so the HTTP
// middleware does not care where the counters live.
type Limiter interface {
	// Allow checks whether a request identified by key (typically the client
	// IP) should be permitted.
	Allow(ctx context.Context, key string) (Result, error)
}

// Config holds the sliding window parameters.
type Config struct {
	RequestsPerSecond float64       // Sustained rate the window enforces.
	Burst             int           // Extra headroom on top of the sustained rate.
	Window            time.Duration // Sliding window size.
	KeyPrefix         string        // Redis key prefix.
	Timeout           time.Duration // Per-command Redis timeout.
}

// DefaultConfig matches the local limiter defaults (50 req/s, burst 100).
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		Burst:             100,
		Window:            time.Minute,
		KeyPrefix:         "attractor:rl:",
		Timeout:           100 * time.Millisecond,
	}
}

// limit is the window capacity: the sustained rate over the window plus burst.
func (c Config) limit() int {
	return int(c.RequestsPerSecond*c.Window.Seconds()) + c.Burst
}

// RedisLimiter implements Limiter with a sliding window counter in Redis.
// The client is shared with the dispatch queue and owned by the caller.
//
// Each key counts requests in a fixed window; the effective count weights the
// previous window by its remaining overlap, which smooths the boundary
// without per-request sorted sets.
type RedisLimiter struct {
	rdb *redis.Client
	cfg Config
}

// NewRedisLimiter creates a distributed rate limiter on an existing client.
func NewRedisLimiter(rdb *redis.Client, cfg Config) *RedisLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "attractor:rl:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg}
}

// Allow counts the request and reports whether it fits the window budget.
// The request is counted even when rejected, matching the local bucket's
// behavior of not refunding rejected requests.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	now := time.Now()
	windowMs := r.cfg.Window.Milliseconds()
	currStart := now.UnixMilli() / windowMs * windowMs
	prevStart := currStart - windowMs

	currKey := fmt.Sprintf("%s%s:%d", r.cfg.KeyPrefix, key, currStart)
	prevKey := fmt.Sprintf("%s%s:%d", r.cfg.KeyPrefix, key, prevStart)

	pipe := r.rdb.Pipeline()
	incr := pipe.Incr(ctx, currKey)
	pipe.Expire(ctx, currKey, 2*r.cfg.Window)
	prev := pipe.Get(ctx, prevKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	curr := incr.Val()
	prevCount, _ := prev.Int64() // redis.Nil means no previous window

	// Weight the previous window by how much of it still overlaps the
	// sliding window ending now.
	elapsed := float64(now.UnixMilli()-currStart) / float64(windowMs)
	weighted := float64(prevCount)*(1-elapsed) + float64(curr)

	limit := r.cfg.limit()
	allowed := weighted <= float64(limit)

	remaining := limit - int(weighted)
	if remaining < 0 {
		remaining = 0
	}
	var resetMs int64
	if !allowed {
		resetMs = currStart + windowMs - now.UnixMilli()
		if resetMs < 1000 {
			resetMs = 1000
		}
	}
	return Result{Allowed: allowed, Remaining: remaining, ResetMs: resetMs, Limit: limit}, nil
}
