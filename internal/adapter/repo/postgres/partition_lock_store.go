package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// PartitionLockStore grants partition leases through a conditional upsert:
// the row is taken when absent, expired, or already held by the same task.
type PartitionLockStore struct {
	Pool  PgxPool
	Clock domain.Clock
}

// NewPartitionLockStore constructs a PartitionLockStore with the given pool.
func NewPartitionLockStore(p PgxPool, clock domain.Clock) *PartitionLockStore {
	if clock == nil {
		clock = time.Now
	}
	return &PartitionLockStore{Pool: p, Clock: clock}
}

// TryAcquire implements domain.PartitionLockStore.
func (s *PartitionLockStore) TryAcquire(ctx context.Context, partitionKey, taskID string, ttl time.Duration) (bool, error) {
	now := s.Clock().UTC()
	q := `INSERT INTO partition_locks (partition_key, task_id, acquired_at, expires_at)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (partition_key) DO UPDATE SET
	          task_id=EXCLUDED.task_id, acquired_at=EXCLUDED.acquired_at, expires_at=EXCLUDED.expires_at
	      WHERE partition_locks.expires_at <= $3 OR partition_locks.task_id = $2`
	tag, err := s.Pool.Exec(ctx, q, partitionKey, taskID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("op=partitionLock.tryAcquire key=%s: %w", partitionKey, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release implements domain.PartitionLockStore: only the holder may release.
func (s *PartitionLockStore) Release(ctx context.Context, partitionKey, taskID string) error {
	q := `DELETE FROM partition_locks WHERE partition_key=$1 AND task_id=$2`
	if _, err := s.Pool.Exec(ctx, q, partitionKey, taskID); err != nil {
		return fmt.Errorf("op=partitionLock.release key=%s: %w", partitionKey, err)
	}
	return nil
}

// IsLocked implements domain.PartitionLockStore.
func (s *PartitionLockStore) IsLocked(ctx context.Context, partitionKey string) (bool, error) {
	var one int
	q := `SELECT 1 FROM partition_locks WHERE partition_key=$1 AND expires_at > $2`
	err := s.Pool.QueryRow(ctx, q, partitionKey, s.Clock().UTC()).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=partitionLock.isLocked key=%s: %w", partitionKey, err)
	}
	return true, nil
}

// GetLockHolder implements domain.PartitionLockStore; empty when unheld.
func (s *PartitionLockStore) GetLockHolder(ctx context.Context, partitionKey string) (string, error) {
	var holder string
	q := `SELECT task_id FROM partition_locks WHERE partition_key=$1 AND expires_at > $2`
	err := s.Pool.QueryRow(ctx, q, partitionKey, s.Clock().UTC()).Scan(&holder)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=partitionLock.getHolder key=%s: %w", partitionKey, err)
	}
	return holder, nil
}

// Extend implements domain.PartitionLockStore: holder-only lease renewal.
func (s *PartitionLockStore) Extend(ctx context.Context, partitionKey, taskID string, ttl time.Duration) (bool, error) {
	now := s.Clock().UTC()
	q := `UPDATE partition_locks SET expires_at=$3
	      WHERE partition_key=$1 AND task_id=$2 AND expires_at > $4`
	tag, err := s.Pool.Exec(ctx, q, partitionKey, taskID, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("op=partitionLock.extend key=%s: %w", partitionKey, err)
	}
	return tag.RowsAffected() > 0, nil
}
