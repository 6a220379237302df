package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisLimiterEnforcesLimit(t *testing.T) {
	l := NewRedisLimiter(testRedis(t))
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		dec, err := l.TryAcquire(ctx, "email.send", policy)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	dec, err := l.TryAcquire(ctx, "email.send", policy)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Greater(t, dec.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, dec.RetryAfter, time.Minute)
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	l := NewRedisLimiter(testRedis(t))
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 1, Window: time.Minute}

	dec, err := l.TryAcquire(ctx, "a", policy)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.TryAcquire(ctx, "b", policy)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.TryAcquire(ctx, "a", policy)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
}

func TestRedisLimiterFailsOpenOnError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLimiter(rdb)
	mr.Close()

	dec, err := l.TryAcquire(context.Background(), "k", domain.RateLimitPolicy{Limit: 1, Window: time.Minute})
	require.Error(t, err)
	require.True(t, dec.Allowed)
}

func TestRedisLimiterZeroPolicyAllows(t *testing.T) {
	l := NewRedisLimiter(testRedis(t))

	dec, err := l.TryAcquire(context.Background(), "k", domain.RateLimitPolicy{})
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

func TestNewRedisLimiterNilClient(t *testing.T) {
	require.Nil(t, NewRedisLimiter(nil))
}
