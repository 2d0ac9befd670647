// Package ratelimit provides a Redis-backed fixed-window request
// limiter shared by all instances of the service.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one limiter consultation. Reset is the
// end of the current window as Unix milliseconds; callers must not
// guess the unit.
type Decision struct {
	Limited   bool
	Limit     int
	Remaining int
	Reset     int64
}

// RetryAfter returns how long the client should wait before retrying,
// clamped at zero.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := time.Duration(d.Reset-now.UnixMilli()) * time.Millisecond
	if wait < 0 {
		return 0
	}
	return wait
}

// Limiter answers whether a request identified by key may proceed.
// Implementations consume quota as a side effect of the check.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RedisLimiter implements a fixed window counter: one Redis key per
// (client key, window bucket), INCR'd on every request and expired at
// the end of the bucket. Enforcement is approximate across instances,
// which is acceptable for abuse throttling.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedis constructs a limiter allowing limit requests per window.
// The prefix namespaces keys so multiple tiers can share a Redis DB.
func NewRedis(rdb *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window}
}

// Allow consumes one unit of quota for key and reports the decision.
// A Redis error is returned as-is; callers decide whether to fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	bucket := now.UnixMilli() / l.window.Milliseconds()
	reset := (bucket + 1) * l.window.Milliseconds()
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	// Expire a little past the bucket edge so a slow clock never drops
	// a live counter.
	pipe.PExpire(ctx, redisKey, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Limited:   count > l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}
