package filter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

const (
	propLockHeld    = "partitionLock.held"
	propTrackerHeld = "tracker.held"
)

// PartitionLockFilter acquires the partition lease named by the message's
// partition-key header before dispatch and releases it afterwards. When the
// lease is held elsewhere the message is requeued with RequeueDelay.
type PartitionLockFilter struct {
	Locks        domain.PartitionLockStore
	TTL          time.Duration
	RequeueDelay time.Duration
}

// OnExecuting implements Filter.
func (f *PartitionLockFilter) OnExecuting(ctx context.Context, inv *Invocation) error {
	key := inv.Message.PartitionKey()
	if key == "" || f.Locks == nil {
		return nil
	}
	ok, err := f.Locks.TryAcquire(ctx, key, inv.TaskID, f.TTL)
	if err != nil {
		return fmt.Errorf("op=filter.partition_lock key=%s: %w", key, err)
	}
	if !ok {
		inv.SkipExecution = true
		inv.RequeueMessage = true
		inv.RequeueDelay = f.RequeueDelay
		return nil
	}
	inv.Properties[propLockHeld] = key
	return nil
}

// OnExecuted implements Filter: release on every exit path.
func (f *PartitionLockFilter) OnExecuted(ctx context.Context, inv *Invocation) {
	key, _ := inv.Properties[propLockHeld].(string)
	if key == "" {
		return
	}
	if err := f.Locks.Release(ctx, key, inv.TaskID); err != nil {
		slog.Warn("partition lock release failed",
			slog.String("partition_key", key),
			slog.String("task_id", inv.TaskID),
			slog.Any("error", err))
	}
}

// SingleFlightFilter enforces at-most-one running execution per
// (task name, key) through the execution tracker. A losing TryStart is
// treated like a rate-limit denial: skip and requeue with the default
// delay.
type SingleFlightFilter struct {
	Tracker      domain.ExecutionTracker
	Enabled      func(taskName string) (ttl time.Duration, ok bool)
	RequeueDelay time.Duration
}

// OnExecuting implements Filter.
func (f *SingleFlightFilter) OnExecuting(ctx context.Context, inv *Invocation) error {
	if f.Tracker == nil || f.Enabled == nil {
		return nil
	}
	ttl, enabled := f.Enabled(inv.TaskName)
	if !enabled {
		return nil
	}
	key := inv.Message.SingleFlightKey()
	ok, err := f.Tracker.TryStart(ctx, inv.TaskName, inv.TaskID, key, ttl)
	if err != nil {
		return fmt.Errorf("op=filter.single_flight task=%s: %w", inv.TaskName, err)
	}
	if !ok {
		inv.SkipExecution = true
		inv.RequeueMessage = true
		inv.RequeueDelay = f.RequeueDelay
		return nil
	}
	inv.Properties[propTrackerHeld] = key
	return nil
}

// OnExecuted implements Filter.
func (f *SingleFlightFilter) OnExecuted(ctx context.Context, inv *Invocation) {
	key, held := inv.Properties[propTrackerHeld].(string)
	if !held {
		return
	}
	if err := f.Tracker.Stop(ctx, inv.TaskName, inv.TaskID, key); err != nil {
		slog.Warn("execution tracker stop failed",
			slog.String("task", inv.TaskName),
			slog.String("task_id", inv.TaskID),
			slog.Any("error", err))
	}
}
