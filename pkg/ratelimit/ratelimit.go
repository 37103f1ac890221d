// Package ratelimit enforces per-webhook ingress limits over two fixed
// windows (per-minute and per-hour); the more restrictive window wins.
// Counters live in Redis so every gateway replica sees the same state,
// with key expiry matched to the window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts against Redis with INCR + EXPIRE per window.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a limiter on an existing Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow consumes one slot against both windows for the key. It reports
// false when either window is already exhausted. Caps of 0 disable the
// corresponding window.
func (l *RedisLimiter) Allow(ctx context.Context, key string, perMinute, perHour int) (bool, error) {
	now := time.Now()

	if perMinute > 0 {
		ok, err := l.allowWindow(ctx, fmt.Sprintf("rl:%s:m:%d", key, now.Unix()/60), perMinute, 2*time.Minute)
		if err != nil || !ok {
			return ok, err
		}
	}
	if perHour > 0 {
		ok, err := l.allowWindow(ctx, fmt.Sprintf("rl:%s:h:%d", key, now.Unix()/3600), perHour, 2*time.Hour)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

func (l *RedisLimiter) allowWindow(ctx context.Context, bucket string, cap int, ttl time.Duration) (bool, error) {
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= int64(cap), nil
}
