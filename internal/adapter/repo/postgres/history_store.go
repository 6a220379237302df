package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// HistoryStore keeps timestamped metric roll-ups in metrics_snapshots.
// Aggregation happens in SQL so time-series reads stay cheap.
type HistoryStore struct {
	Pool  PgxPool
	Clock domain.Clock
}

// NewHistoryStore constructs a HistoryStore with the given pool.
func NewHistoryStore(p PgxPool, clock domain.Clock) *HistoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &HistoryStore{Pool: p, Clock: clock}
}

// Record implements domain.HistoricalMetricsStore.
func (s *HistoryStore) Record(ctx context.Context, snap domain.MetricsSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = s.Clock().UTC()
	}
	q := `INSERT INTO metrics_snapshots (task_name, queue, success, failure, retry, revoked, avg_execution_ms, execution_sample, snapshot_at, expires_at)
	      VALUES (NULLIF($1,''),NULLIF($2,''),$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.Pool.Exec(ctx, q, snap.TaskName, snap.Queue, snap.Success, snap.Failure,
		snap.Retry, snap.Revoked, snap.AvgExecutionMs, snap.ExecutionSample,
		snap.Timestamp.UTC(), snap.ExpiresAt)
	if err != nil {
		return fmt.Errorf("op=history.record: %w", err)
	}
	return nil
}

// GetMetrics implements domain.HistoricalMetricsStore: one roll-up over
// [from, until). The average is weighted by the sampled snapshots' volume.
func (s *HistoryStore) GetMetrics(ctx context.Context, from, until time.Time) (domain.MetricsSnapshot, error) {
	q := `SELECT COALESCE(SUM(success),0), COALESCE(SUM(failure),0), COALESCE(SUM(retry),0), COALESCE(SUM(revoked),0),
	             COALESCE(SUM(avg_execution_ms * GREATEST(success+failure,1)) FILTER (WHERE execution_sample)
	                      / NULLIF(SUM(GREATEST(success+failure,1)) FILTER (WHERE execution_sample), 0), 0),
	             COUNT(*) FILTER (WHERE execution_sample) > 0
	      FROM metrics_snapshots
	      WHERE snapshot_at >= $1 AND snapshot_at < $2
	        AND (expires_at IS NULL OR expires_at > $3)`
	out := domain.MetricsSnapshot{Timestamp: from}
	err := s.Pool.QueryRow(ctx, q, from.UTC(), until.UTC(), s.Clock().UTC()).
		Scan(&out.Success, &out.Failure, &out.Retry, &out.Revoked, &out.AvgExecutionMs, &out.ExecutionSample)
	if err != nil {
		return out, fmt.Errorf("op=history.getMetrics: %w", err)
	}
	return out, nil
}

// GetTimeSeries implements domain.HistoricalMetricsStore: epoch-aligned
// buckets of the given width, ascending, empty buckets omitted.
func (s *HistoryStore) GetTimeSeries(ctx context.Context, from, until time.Time, bucket time.Duration) ([]domain.MetricsSnapshot, error) {
	secs := int64(bucket / time.Second)
	if secs <= 0 {
		secs = 60
	}
	q := `SELECT floor(extract(epoch FROM snapshot_at)/$4)*$4 AS bucket_start,
	             SUM(success), SUM(failure), SUM(retry), SUM(revoked),
	             COALESCE(SUM(avg_execution_ms * GREATEST(success+failure,1)) FILTER (WHERE execution_sample)
	                      / NULLIF(SUM(GREATEST(success+failure,1)) FILTER (WHERE execution_sample), 0), 0),
	             COUNT(*) FILTER (WHERE execution_sample) > 0
	      FROM metrics_snapshots
	      WHERE snapshot_at >= $1 AND snapshot_at < $2
	        AND (expires_at IS NULL OR expires_at > $3)
	      GROUP BY bucket_start ORDER BY bucket_start ASC`
	rows, err := s.Pool.Query(ctx, q, from.UTC(), until.UTC(), s.Clock().UTC(), secs)
	if err != nil {
		return nil, fmt.Errorf("op=history.getTimeSeries: %w", err)
	}
	defer rows.Close()
	var out []domain.MetricsSnapshot
	for rows.Next() {
		var start float64
		var snap domain.MetricsSnapshot
		if err := rows.Scan(&start, &snap.Success, &snap.Failure, &snap.Retry, &snap.Revoked,
			&snap.AvgExecutionMs, &snap.ExecutionSample); err != nil {
			return out, fmt.Errorf("op=history.getTimeSeries: %w", err)
		}
		snap.Timestamp = time.Unix(int64(start), 0).UTC()
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("op=history.getTimeSeries: %w", err)
	}
	return out, nil
}

// GetMetricsByTaskName implements domain.HistoricalMetricsStore.
func (s *HistoryStore) GetMetricsByTaskName(ctx context.Context, from, until time.Time) (map[string]domain.TaskNameMetrics, error) {
	q := `SELECT task_name, SUM(success), SUM(failure), SUM(retry),
	             COALESCE(SUM(avg_execution_ms * GREATEST(success+failure,1)) FILTER (WHERE execution_sample)
	                      / NULLIF(SUM(GREATEST(success+failure,1)) FILTER (WHERE execution_sample), 0), 0),
	             COALESCE(MIN(avg_execution_ms) FILTER (WHERE execution_sample), 0),
	             COALESCE(MAX(avg_execution_ms) FILTER (WHERE execution_sample), 0)
	      FROM metrics_snapshots
	      WHERE task_name IS NOT NULL
	        AND snapshot_at >= $1 AND snapshot_at < $2
	        AND (expires_at IS NULL OR expires_at > $3)
	      GROUP BY task_name`
	rows, err := s.Pool.Query(ctx, q, from.UTC(), until.UTC(), s.Clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=history.getMetricsByTask: %w", err)
	}
	defer rows.Close()
	out := make(map[string]domain.TaskNameMetrics)
	for rows.Next() {
		var m domain.TaskNameMetrics
		if err := rows.Scan(&m.TaskName, &m.Success, &m.Failure, &m.Retry, &m.AvgMs, &m.MinMs, &m.MaxMs); err != nil {
			return out, fmt.Errorf("op=history.getMetricsByTask: %w", err)
		}
		out[m.TaskName] = m
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("op=history.getMetricsByTask: %w", err)
	}
	return out, nil
}
