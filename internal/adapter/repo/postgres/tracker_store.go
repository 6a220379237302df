package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// TrackerStore enforces single-flight through execution_records. The record
// key joins task name and key, matching the in-memory tracker.
type TrackerStore struct {
	Pool  PgxPool
	Clock domain.Clock
}

// NewTrackerStore constructs a TrackerStore with the given pool.
func NewTrackerStore(p PgxPool, clock domain.Clock) *TrackerStore {
	if clock == nil {
		clock = time.Now
	}
	return &TrackerStore{Pool: p, Clock: clock}
}

func recordKey(taskName, key string) string {
	return taskName + "\x00" + key
}

// TryStart implements domain.ExecutionTracker: the upsert wins when the row
// is absent or expired.
func (s *TrackerStore) TryStart(ctx context.Context, taskName, taskID, key string, ttl time.Duration) (bool, error) {
	now := s.Clock().UTC()
	q := `INSERT INTO execution_records (record_key, task_id, started_at, expires_at)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (record_key) DO UPDATE SET
	          task_id=EXCLUDED.task_id, started_at=EXCLUDED.started_at, expires_at=EXCLUDED.expires_at
	      WHERE execution_records.expires_at <= $3`
	tag, err := s.Pool.Exec(ctx, q, recordKey(taskName, key), taskID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("op=tracker.tryStart task=%s: %w", taskName, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Stop implements domain.ExecutionTracker: removal is holder-only.
func (s *TrackerStore) Stop(ctx context.Context, taskName, taskID, key string) error {
	q := `DELETE FROM execution_records WHERE record_key=$1 AND task_id=$2`
	if _, err := s.Pool.Exec(ctx, q, recordKey(taskName, key), taskID); err != nil {
		return fmt.Errorf("op=tracker.stop task=%s: %w", taskName, err)
	}
	return nil
}

// SweepExpired implements domain.ExecutionTracker.
func (s *TrackerStore) SweepExpired(ctx context.Context) (int, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM execution_records WHERE expires_at <= $1`, s.Clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=tracker.sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
