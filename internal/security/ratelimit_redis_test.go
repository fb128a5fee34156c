package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, config *RateLimitConfig) *RedisRateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisRateLimiter(client, config, logrus.New())
}

func TestRedisRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := newRedisLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 10,
		BurstSize:         3,
		WindowDuration:    time.Minute,
	})

	for i := 0; i < 3; i++ {
		result, err := rl.Allow(context.Background(), "caller-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
	}

	result, err := rl.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestRedisRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := newRedisLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 10,
		BurstSize:         1,
		WindowDuration:    time.Minute,
	})

	first, err := rl.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	blocked, err := rl.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	other, err := rl.Allow(context.Background(), "caller-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestRedisRateLimiter_ResetClearsWindow(t *testing.T) {
	rl := newRedisLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 10,
		BurstSize:         1,
		WindowDuration:    time.Minute,
	})

	_, err := rl.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	blocked, err := rl.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	require.False(t, blocked.Allowed)

	require.NoError(t, rl.Reset(context.Background(), "caller-1"))

	after, err := rl.Allow(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.True(t, after.Allowed)
}

func TestRedisRateLimiter_GetLimitsDoesNotConsume(t *testing.T) {
	rl := newRedisLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 10,
		BurstSize:         5,
		WindowDuration:    time.Minute,
	})

	_, err := rl.Allow(context.Background(), "caller-1")
	require.NoError(t, err)

	info, err := rl.GetLimits(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Used)
	assert.Equal(t, 4, info.Remaining)

	info2, err := rl.GetLimits(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.Equal(t, 1, info2.Used)
}
