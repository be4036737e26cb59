package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/api-gatekeeper/services"
	"go.uber.org/zap"
)

func setupRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRedisLimiter(client, RedisConfig{KeyPrefix: "test:", IdleTTL: time.Minute}, zap.NewNop())
	l.clock = clock.Now
	return l, mr, clock
}

func TestRedisLimiter_Admit(t *testing.T) {
	ctx := context.Background()
	limit := Limit{Capacity: 3, RefillPerSecond: 2}

	t.Run("capacity plus one is rejected", func(t *testing.T) {
		l, _, _ := setupRedisLimiter(t)

		for i := 0; i < 3; i++ {
			d, err := l.Admit(ctx, "user:u1|route:default", limit)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d", i+1)
		}

		d, err := l.Admit(ctx, "user:u1|route:default", limit)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.InDelta(t, 0.0, d.Remaining, 1e-9)
		assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
	})

	t.Run("refills after 1/R seconds", func(t *testing.T) {
		l, _, clock := setupRedisLimiter(t)
		for i := 0; i < 3; i++ {
			_, err := l.Admit(ctx, "k", limit)
			require.NoError(t, err)
		}

		clock.Advance(500 * time.Millisecond)
		d, err := l.Admit(ctx, "k", limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = l.Admit(ctx, "k", limit)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("bucket key expires after idle ttl", func(t *testing.T) {
		l, mr, _ := setupRedisLimiter(t)
		_, err := l.Admit(ctx, "k", limit)
		require.NoError(t, err)

		require.True(t, mr.Exists("test:k"))
		assert.Equal(t, time.Minute, mr.TTL("test:k"))

		mr.FastForward(time.Minute + time.Second)
		assert.False(t, mr.Exists("test:k"))

		d, err := l.Admit(ctx, "k", limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.InDelta(t, 2.0, d.Remaining, 1e-9)
	})

	t.Run("invalid limit", func(t *testing.T) {
		l, mr, _ := setupRedisLimiter(t)
		_, err := l.Admit(ctx, "k", Limit{Capacity: 5})
		assert.ErrorIs(t, err, services.ErrInvalidArgument)
		assert.False(t, mr.Exists("test:k"))
	})

	t.Run("backend failure is internal", func(t *testing.T) {
		l, mr, _ := setupRedisLimiter(t)
		mr.Close()

		_, err := l.Admit(ctx, "k", limit)
		require.Error(t, err)
		assert.True(t, services.IsInternalError(err))
	})
}

func TestParseScriptResult(t *testing.T) {
	allowed, tokens, err := parseScriptResult([]interface{}{int64(1), "2.5"})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2.5, tokens)

	_, _, err = parseScriptResult([]interface{}{int64(1)})
	assert.Error(t, err)

	_, _, err = parseScriptResult([]interface{}{"1", "2"})
	assert.Error(t, err)
}
