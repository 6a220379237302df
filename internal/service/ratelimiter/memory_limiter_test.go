package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

func fixedClock(at *time.Time) domain.Clock {
	return func() time.Time { return *at }
}

func TestMemoryLimiterEnforcesLimitPerWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(fixedClock(&now))
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
	require.Equal(t, time.Minute, dec.RetryAfter)
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(fixedClock(&now))
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 1, Window: time.Minute}

	dec, _ := l.TryAcquire(ctx, "k", policy)
	require.True(t, dec.Allowed)

	now = now.Add(30 * time.Second)
	dec, _ = l.TryAcquire(ctx, "k", policy)
	require.False(t, dec.Allowed)
	require.Equal(t, 30*time.Second, dec.RetryAfter)

	now = now.Add(31 * time.Second)
	dec, _ = l.TryAcquire(ctx, "k", policy)
	require.True(t, dec.Allowed)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(nil)
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 1, Window: time.Minute}

	dec, _ := l.TryAcquire(ctx, "a", policy)
	require.True(t, dec.Allowed)
	dec, _ = l.TryAcquire(ctx, "b", policy)
	require.True(t, dec.Allowed)
	dec, _ = l.TryAcquire(ctx, "a", policy)
	require.False(t, dec.Allowed)
}

func TestMemoryLimiterZeroPolicyAllows(t *testing.T) {
	l := NewMemoryLimiter(nil)
	ctx := context.Background()

	dec, err := l.TryAcquire(ctx, "k", domain.RateLimitPolicy{})
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}
