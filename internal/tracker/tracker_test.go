package tracker

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

func TestTrackerTryStartExcludesConcurrentKeys(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr := NewMemoryTracker(fixedClock(&now))
	ctx := context.Background()

	ok, err := tr.TryStart(ctx, "email.send", "t1", "user-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.TryStart(ctx, "email.send", "t2", "user-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Different key and different task name do not collide.
	ok, err = tr.TryStart(ctx, "email.send", "t3", "user-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tr.TryStart(ctx, "sms.send", "t4", "user-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTrackerExpiredRecordIsReplaced(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr := NewMemoryTracker(fixedClock(&now))
	ctx := context.Background()

	ok, _ := tr.TryStart(ctx, "email.send", "t1", "user-1", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err := tr.TryStart(ctx, "email.send", "t2", "user-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTrackerStopIsOwnerOnly(t *testing.T) {
	tr := NewMemoryTracker(nil)
	ctx := context.Background()

	ok, _ := tr.TryStart(ctx, "email.send", "t1", "user-1", time.Minute)
	require.True(t, ok)

	// A non-owner Stop leaves the record in place.
	require.NoError(t, tr.Stop(ctx, "email.send", "other", "user-1"))
	ok, _ = tr.TryStart(ctx, "email.send", "t2", "user-1", time.Minute)
	require.False(t, ok)

	require.NoError(t, tr.Stop(ctx, "email.send", "t1", "user-1"))
	ok, _ = tr.TryStart(ctx, "email.send", "t2", "user-1", time.Minute)
	require.True(t, ok)
}

func TestTrackerSweepExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr := NewMemoryTracker(fixedClock(&now))
	ctx := context.Background()

	_, _ = tr.TryStart(ctx, "a", "t1", "", time.Minute)
	_, _ = tr.TryStart(ctx, "b", "t2", "", time.Hour)

	now = now.Add(5 * time.Minute)
	n, err := tr.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, _ := tr.TryStart(ctx, "a", "t3", "", time.Minute)
	require.True(t, ok)
	ok, _ = tr.TryStart(ctx, "b", "t3", "", time.Minute)
	require.False(t, ok)
}

func TestTrackerEmptyKeyUsesTaskName(t *testing.T) {
	tr := NewMemoryTracker(nil)
	ctx := context.Background()

	ok, _ := tr.TryStart(ctx, "email.send", "t1", "", time.Minute)
	require.True(t, ok)
	ok, _ = tr.TryStart(ctx, "email.send", "t2", "", time.Minute)
	require.False(t, ok)
}
