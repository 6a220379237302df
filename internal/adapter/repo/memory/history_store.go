package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// HistoryStore records time-bucketed metric snapshots with TTL emulation.
type HistoryStore struct {
	mu    sync.Mutex
	rows  []domain.MetricsSnapshot
	clock domain.Clock
}

// NewHistoryStore creates a HistoryStore. A nil clock means time.Now.
func NewHistoryStore(clock domain.Clock) *HistoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &HistoryStore{clock: clock}
}

// Record implements domain.HistoricalMetricsStore.
func (s *HistoryStore) Record(_ context.Context, snap domain.MetricsSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = s.clock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, snap)
	return nil
}

// GetMetrics implements domain.HistoricalMetricsStore: one roll-up over the
// half-open window [from, until).
func (s *HistoryStore) GetMetrics(_ context.Context, from, until time.Time) (domain.MetricsSnapshot, error) {
	rows := s.inWindow(from, until)
	out := domain.MetricsSnapshot{Timestamp: from}
	var weighted float64
	var weight int64
	for _, row := range rows {
		out.Success += row.Success
		out.Failure += row.Failure
		out.Retry += row.Retry
		out.Revoked += row.Revoked
		if row.ExecutionSample {
			w := row.Success + row.Failure
			if w <= 0 {
				w = 1
			}
			weighted += row.AvgExecutionMs * float64(w)
			weight += w
		}
	}
	if weight > 0 {
		out.AvgExecutionMs = weighted / float64(weight)
		out.ExecutionSample = true
	}
	return out, nil
}

// GetTimeSeries implements domain.HistoricalMetricsStore: epoch-aligned
// buckets in ascending order. Empty buckets are omitted.
func (s *HistoryStore) GetTimeSeries(_ context.Context, from, until time.Time, bucket time.Duration) ([]domain.MetricsSnapshot, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	sec := int64(bucket / time.Second)
	byBucket := make(map[int64]*domain.MetricsSnapshot)
	weights := make(map[int64]int64)
	weighted := make(map[int64]float64)
	for _, row := range s.inWindow(from, until) {
		// Align to Unix-epoch multiples, matching the SQL adapter's
		// floor(extract(epoch)/sec)*sec. Truncate would align to the
		// zero time, which drifts for the weekly bucket.
		key := (row.Timestamp.Unix() / sec) * sec
		agg, ok := byBucket[key]
		if !ok {
			agg = &domain.MetricsSnapshot{Timestamp: time.Unix(key, 0).UTC()}
			byBucket[key] = agg
		}
		agg.Success += row.Success
		agg.Failure += row.Failure
		agg.Retry += row.Retry
		agg.Revoked += row.Revoked
		if row.ExecutionSample {
			w := row.Success + row.Failure
			if w <= 0 {
				w = 1
			}
			weighted[key] += row.AvgExecutionMs * float64(w)
			weights[key] += w
		}
	}
	out := make([]domain.MetricsSnapshot, 0, len(byBucket))
	for key, agg := range byBucket {
		if weights[key] > 0 {
			agg.AvgExecutionMs = weighted[key] / float64(weights[key])
			agg.ExecutionSample = true
		}
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// GetMetricsByTaskName implements domain.HistoricalMetricsStore. Snapshots
// without a task name are excluded.
func (s *HistoryStore) GetMetricsByTaskName(_ context.Context, from, until time.Time) (map[string]domain.TaskNameMetrics, error) {
	out := make(map[string]domain.TaskNameMetrics)
	weights := make(map[string]int64)
	weighted := make(map[string]float64)
	for _, row := range s.inWindow(from, until) {
		if row.TaskName == "" {
			continue
		}
		agg := out[row.TaskName]
		agg.TaskName = row.TaskName
		agg.Success += row.Success
		agg.Failure += row.Failure
		agg.Retry += row.Retry
		if row.ExecutionSample {
			w := row.Success + row.Failure
			if w <= 0 {
				w = 1
			}
			weighted[row.TaskName] += row.AvgExecutionMs * float64(w)
			weights[row.TaskName] += w
			if agg.MinMs == 0 || row.AvgExecutionMs < agg.MinMs {
				agg.MinMs = row.AvgExecutionMs
			}
			if row.AvgExecutionMs > agg.MaxMs {
				agg.MaxMs = row.AvgExecutionMs
			}
		}
		out[row.TaskName] = agg
	}
	for name, agg := range out {
		if weights[name] > 0 {
			agg.AvgMs = weighted[name] / float64(weights[name])
			out[name] = agg
		}
	}
	return out, nil
}

// inWindow returns non-expired rows with from <= ts < until.
func (s *HistoryStore) inWindow(from, until time.Time) []domain.MetricsSnapshot {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MetricsSnapshot
	for _, row := range s.rows {
		if row.ExpiresAt != nil && row.ExpiresAt.Before(now) {
			continue
		}
		if row.Timestamp.Before(from) || !row.Timestamp.Before(until) {
			continue
		}
		out = append(out, row)
	}
	return out
}
