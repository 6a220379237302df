package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memrepo "github.com/fairyhunter13/celerity/internal/adapter/repo/memory"
	"github.com/fairyhunter13/celerity/internal/domain"
)

func fixedClock(at *time.Time) domain.Clock {
	return func() time.Time { return *at }
}

func TestNormalizeBucket(t *testing.T) {
	require.Equal(t, time.Minute, NormalizeBucket(time.Second))
	require.Equal(t, time.Minute, NormalizeBucket(time.Minute))
	require.Equal(t, time.Hour, NormalizeBucket(5*time.Minute))
	require.Equal(t, 24*time.Hour, NormalizeBucket(2*time.Hour))
	require.Equal(t, 7*24*time.Hour, NormalizeBucket(30*24*time.Hour))
}

func TestCountersFollowTaskLifecycle(t *testing.T) {
	s := New(Config{})

	s.TaskEnqueued("celery", "email.send")
	s.TaskEnqueued("celery", "email.send")
	q := s.Snapshot("celery")
	require.EqualValues(t, 2, q.Waiting)

	s.TaskStarted("celery", "email.send")
	q = s.Snapshot("celery")
	require.EqualValues(t, 1, q.Waiting)
	require.EqualValues(t, 1, q.Running)

	s.TaskFinished("celery", "email.send", domain.StateSuccess, 100*time.Millisecond)
	q = s.Snapshot("celery")
	require.EqualValues(t, 0, q.Running)
	require.EqualValues(t, 1, q.Processed)
	require.EqualValues(t, 1, q.Success)
	require.InDelta(t, 100.0, q.AvgDurationMs(), 0.001)

	s.TaskStarted("celery", "email.send")
	s.TaskFinished("celery", "email.send", domain.StateFailure, 300*time.Millisecond)
	q = s.Snapshot("celery")
	require.EqualValues(t, 2, q.Processed)
	require.EqualValues(t, 1, q.Failure)
	require.InDelta(t, 200.0, q.AvgDurationMs(), 0.001)
}

func TestRetriesAndRevokesDoNotCountAsProcessed(t *testing.T) {
	s := New(Config{})

	s.TaskFinished("celery", "email.send", domain.StateRetry, 0)
	s.TaskFinished("celery", "email.send", domain.StateRequeued, 0)
	s.TaskFinished("celery", "email.send", domain.StateRevoked, 0)

	q := s.Snapshot("celery")
	require.EqualValues(t, 0, q.Processed)
	require.EqualValues(t, 2, q.Retry)
	require.EqualValues(t, 1, q.Revoked)
}

func TestConsumerCounts(t *testing.T) {
	s := New(Config{})
	s.ConsumerRegistered("celery")
	s.ConsumerRegistered("celery")
	s.ConsumerUnregistered("celery")
	require.EqualValues(t, 1, s.Snapshot("celery").ConsumerCount)
	s.ConsumerUnregistered("celery")
	s.ConsumerUnregistered("celery") // never below zero
	require.EqualValues(t, 0, s.Snapshot("celery").ConsumerCount)
}

func TestFlushWritesPerTaskSnapshots(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	history := memrepo.NewHistoryStore(fixedClock(&now))
	s := New(Config{History: history, Clock: fixedClock(&now), Retention: time.Hour})
	ctx := context.Background()

	s.TaskFinished("celery", "email.send", domain.StateSuccess, 100*time.Millisecond)
	s.TaskFinished("celery", "email.send", domain.StateSuccess, 300*time.Millisecond)
	s.TaskFinished("celery", "email.send", domain.StateRetry, 0)
	s.TaskFinished("reports", "reports.build", domain.StateFailure, time.Second)

	s.Flush(ctx)

	byName, err := history.GetMetricsByTaskName(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, byName, 2)
	require.EqualValues(t, 2, byName["email.send"].Success)
	require.InDelta(t, 200.0, byName["email.send"].AvgMs, 0.001)
	require.EqualValues(t, 1, byName["reports.build"].Failure)

	agg, err := history.GetMetrics(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, agg.Retry)

	// Flush clears the accumulators: a second flush writes nothing new.
	s.Flush(ctx)
	agg, err = history.GetMetrics(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 2, agg.Success)
}

func TestGetTimeSeriesDerivesThroughput(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	history := memrepo.NewHistoryStore(fixedClock(&now))
	s := New(Config{History: history, Clock: fixedClock(&now)})
	ctx := context.Background()

	s.TaskFinished("celery", "email.send", domain.StateSuccess, 100*time.Millisecond)
	s.TaskFinished("celery", "email.send", domain.StateFailure, 100*time.Millisecond)
	s.Flush(ctx)

	points, err := s.GetTimeSeries(ctx, now.Add(-time.Minute), now.Add(time.Minute), time.Second)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.EqualValues(t, 1, points[0].Success)
	require.EqualValues(t, 1, points[0].Failure)
	require.InDelta(t, 2.0/60.0, points[0].TasksPerSecond, 0.0001)
}

func TestHistoricalQueriesRequireStore(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	_, err := s.GetTimeSeries(ctx, time.Now(), time.Now(), time.Minute)
	require.Error(t, err)
	_, err = s.GetMetrics(ctx, time.Now(), time.Now())
	require.Error(t, err)
	_, err = s.GetMetricsByTaskName(ctx, time.Now(), time.Now())
	require.Error(t, err)
}
