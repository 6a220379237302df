// Package tracker enforces single-flight execution per (task name, key).
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// MemoryTracker is the in-process single-flight coordinator. All mutation
// happens under one mutex so concurrent TryStart calls serialize.
type MemoryTracker struct {
	mu      sync.Mutex
	records map[string]domain.ExecutionRecord
	clock   domain.Clock
}

// NewMemoryTracker creates a MemoryTracker. A nil clock means time.Now.
func NewMemoryTracker(clock domain.Clock) *MemoryTracker {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryTracker{records: make(map[string]domain.ExecutionRecord), clock: clock}
}

func recordKey(taskName, key string) string {
	if key == "" {
		return taskName
	}
	return taskName + ":" + key
}

// TryStart implements domain.ExecutionTracker. Expired records are replaced
// atomically.
func (t *MemoryTracker) TryStart(_ context.Context, taskName, taskID, key string, ttl time.Duration) (bool, error) {
	now := t.clock()
	k := recordKey(taskName, key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[k]; ok && rec.ExpiresAt.After(now) {
		return false, nil
	}
	t.records[k] = domain.ExecutionRecord{
		TaskName:  taskName,
		Key:       key,
		TaskID:    taskID,
		StartedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

// Stop implements domain.ExecutionTracker; it only removes a record owned
// by the given task id.
func (t *MemoryTracker) Stop(_ context.Context, taskName, taskID, key string) error {
	k := recordKey(taskName, key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[k]; ok && rec.TaskID == taskID {
		delete(t.records, k)
	}
	return nil
}

// SweepExpired implements domain.ExecutionTracker.
func (t *MemoryTracker) SweepExpired(_ context.Context) (int, error) {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for k, rec := range t.records {
		if !rec.ExpiresAt.After(now) {
			delete(t.records, k)
			n++
		}
	}
	return n, nil
}

// RunSweeper discards expired records every interval until ctx is done.
func RunSweeper(ctx context.Context, tr domain.ExecutionTracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tr.SweepExpired(ctx)
			if err != nil {
				slog.Warn("execution tracker sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Debug("swept expired execution records", slog.Int("count", n))
			}
		}
	}
}
