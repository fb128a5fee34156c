package security

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisRateLimiter implements RateLimiter with a fixed-window counter in
// Redis, so the limit is shared across every engine process instead of
// being per-process like InMemoryRateLimiter's token buckets. Used when
// RateLimitConfig.RedisURL is set.
type RedisRateLimiter struct {
	client *redis.Client
	config *RateLimitConfig
	logger *logrus.Logger
	prefix string
}

// NewRedisRateLimiter builds a limiter against an already-connected client
// and never closes it; the caller owns the client's lifecycle.
// internal/middleware's NewSecurityMiddleware creates a dedicated client
// from RateLimitConfig.RedisURL for it.
func NewRedisRateLimiter(client *redis.Client, config *RateLimitConfig, logger *logrus.Logger) *RedisRateLimiter {
	if config.WindowDuration == 0 {
		config.WindowDuration = time.Minute
	}
	if config.BurstSize == 0 {
		config.BurstSize = config.RequestsPerMinute
	}
	return &RedisRateLimiter{client: client, config: config, logger: logger, prefix: "ratelimit:"}
}

// Allow implements a fixed-window counter: INCR the window's key, set its
// expiry on first use, and compare against BurstSize. Simpler than a
// sliding log, and sufficient for per-minute budgets; a burst at a window
// boundary is an accepted imprecision the
// in-memory token bucket does not share, which is why Redis backing is
// opt-in rather than the default.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	if !rl.config.Enabled {
		return &RateLimitResult{
			Allowed:   true,
			Remaining: rl.config.RequestsPerMinute,
			ResetTime: time.Now().Add(rl.config.WindowDuration),
		}, nil
	}

	windowKey := rl.prefix + key
	count, err := rl.client.Incr(ctx, windowKey).Result()
	if err != nil {
		return nil, err
	}
	if count == 1 {
		rl.client.Expire(ctx, windowKey, rl.config.WindowDuration)
	}
	ttl, err := rl.client.TTL(ctx, windowKey).Result()
	if err != nil || ttl < 0 {
		ttl = rl.config.WindowDuration
	}
	resetTime := time.Now().Add(ttl)

	if count > int64(rl.config.BurstSize) {
		rl.logger.WithFields(logrus.Fields{"key": maskKey(key), "count": count}).Warn("Rate limit exceeded (redis)")
		return &RateLimitResult{Allowed: false, Remaining: 0, ResetTime: resetTime, RetryAfter: ttl}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: int(int64(rl.config.BurstSize) - count),
		ResetTime: resetTime,
	}, nil
}

// Reset clears a key's window immediately.
func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, rl.prefix+key).Err()
}

// GetLimits reports the current window's usage without incrementing it.
func (rl *RedisRateLimiter) GetLimits(ctx context.Context, key string) (*RateLimitInfo, error) {
	windowKey := rl.prefix + key
	count, err := rl.client.Get(ctx, windowKey).Int64()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	ttl, err := rl.client.TTL(ctx, windowKey).Result()
	if err != nil || ttl < 0 {
		ttl = rl.config.WindowDuration
	}
	remaining := int64(rl.config.BurstSize) - count
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitInfo{
		Limit:     rl.config.RequestsPerMinute,
		Used:      int(count),
		Remaining: int(remaining),
		ResetTime: time.Now().Add(ttl),
	}, nil
}
