package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

func TestHistoryGetMetricsWeightedAverage(t *testing.T) {
	s := NewHistoryStore(nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{
		Success: 9, Failure: 1, AvgExecutionMs: 100, ExecutionSample: true, Timestamp: base,
	}))
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{
		Success: 30, Failure: 0, AvgExecutionMs: 200, ExecutionSample: true, Timestamp: base.Add(time.Minute),
	}))
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{
		Retry: 5, Timestamp: base.Add(2 * time.Minute), // no sample, ignored by the average
	}))

	agg, err := s.GetMetrics(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 39, agg.Success)
	require.EqualValues(t, 1, agg.Failure)
	require.EqualValues(t, 5, agg.Retry)
	require.True(t, agg.ExecutionSample)
	// (100*10 + 200*30) / 40 = 175
	require.InDelta(t, 175.0, agg.AvgExecutionMs, 0.001)
}

func TestHistoryWindowIsHalfOpen(t *testing.T) {
	s := NewHistoryStore(nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{Success: 1, Timestamp: base}))
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{Success: 1, Timestamp: base.Add(time.Hour)}))

	agg, err := s.GetMetrics(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, agg.Success)
}

func TestHistoryTimeSeriesBuckets(t *testing.T) {
	s := NewHistoryStore(nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{Success: 1, Timestamp: base.Add(10 * time.Second)}))
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{Success: 2, Timestamp: base.Add(50 * time.Second)}))
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{Success: 4, Timestamp: base.Add(5 * time.Minute)}))

	series, err := s.GetTimeSeries(ctx, base, base.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, series, 2) // empty buckets omitted
	require.Equal(t, base, series[0].Timestamp)
	require.EqualValues(t, 3, series[0].Success)
	require.Equal(t, base.Add(5*time.Minute), series[1].Timestamp)
	require.EqualValues(t, 4, series[1].Success)
}

func TestHistoryTimeSeriesWeeklyBucketsAlignToEpoch(t *testing.T) {
	s := NewHistoryStore(nil)
	ctx := context.Background()
	week := 7 * 24 * time.Hour

	// 2023-11-14T22:13:20Z; its epoch-aligned week starts 2023-11-09.
	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{Success: 1, Timestamp: at}))

	series, err := s.GetTimeSeries(ctx, at.Add(-week), at.Add(week), week)
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Equal(t, time.Unix(1699488000, 0).UTC(), series[0].Timestamp)
	require.Zero(t, series[0].Timestamp.Unix()%int64(week/time.Second))
}

func TestHistoryMetricsByTaskName(t *testing.T) {
	s := NewHistoryStore(nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{
		TaskName: "email.send", Success: 10, AvgExecutionMs: 50, ExecutionSample: true, Timestamp: base,
	}))
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{
		TaskName: "email.send", Success: 10, AvgExecutionMs: 150, ExecutionSample: true, Timestamp: base.Add(time.Minute),
	}))
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{
		Queue: "celery", Success: 99, Timestamp: base, // no task name, excluded
	}))

	byName, err := s.GetMetricsByTaskName(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, byName, 1)

	m := byName["email.send"]
	require.EqualValues(t, 20, m.Success)
	require.InDelta(t, 100.0, m.AvgMs, 0.001)
	require.InDelta(t, 50.0, m.MinMs, 0.001)
	require.InDelta(t, 150.0, m.MaxMs, 0.001)
}

func TestHistoryExpiredRowsExcluded(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewHistoryStore(fixedClock(&now))
	ctx := context.Background()

	exp := now.Add(time.Minute)
	require.NoError(t, s.Record(ctx, domain.MetricsSnapshot{Success: 1, Timestamp: now, ExpiresAt: &exp}))

	now = now.Add(2 * time.Minute)
	agg, err := s.GetMetrics(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, agg.Success)
}
