// Package revocation correlates remote revoke orders with the cancellation
// of locally running tasks.
package revocation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// Manager subscribes to the shared revocation store and keeps two maps: the
// pending revocations seen so far, and the cancel handles of tasks running
// on this worker. A task that registers after a terminate revocation is
// cancelled before its body runs.
type Manager struct {
	store domain.RevocationStore

	mu      sync.RWMutex
	pending map[string]domain.RevocationRecord
	running map[string]context.CancelFunc
}

// NewManager creates a Manager over the given store.
func NewManager(store domain.RevocationStore) *Manager {
	return &Manager{
		store:   store,
		pending: make(map[string]domain.RevocationRecord),
		running: make(map[string]context.CancelFunc),
	}
}

// Start loads existing revocations into the pending map and begins
// consuming the store's subscription until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	existing, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("op=revocation.start: %w", err)
	}
	m.mu.Lock()
	for _, rec := range existing {
		m.pending[rec.TaskID] = rec
	}
	m.mu.Unlock()

	events, err := m.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("op=revocation.subscribe: %w", err)
	}
	go func() {
		for rec := range events {
			m.onRevoke(rec)
		}
	}()
	return nil
}

// onRevoke records the order as pending and cancels the task when it is
// running locally and terminate is requested. Immediate cancels on this
// goroutine; Graceful posts the cancel asynchronously.
func (m *Manager) onRevoke(rec domain.RevocationRecord) {
	m.mu.Lock()
	m.pending[rec.TaskID] = rec
	cancel, isRunning := m.running[rec.TaskID]
	m.mu.Unlock()

	if !isRunning || !rec.Options.Terminate {
		return
	}
	slog.Info("revoking running task",
		slog.String("task_id", rec.TaskID),
		slog.String("signal", string(rec.Options.Signal)))
	if rec.Options.Signal == domain.SignalImmediate {
		cancel()
		return
	}
	go cancel()
}

// IsRevoked reports whether a revoke order is pending for the task id.
func (m *Manager) IsRevoked(taskID string) bool {
	m.mu.RLock()
	_, ok := m.pending[taskID]
	m.mu.RUnlock()
	return ok
}

// RegisterTask derives the task's local cancellation from parent and
// registers its cancel handle. If a terminate revocation is already pending
// the returned context is cancelled before the caller dispatches the body.
func (m *Manager) RegisterTask(parent context.Context, taskID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.running[taskID] = cancel
	rec, pending := m.pending[taskID]
	m.mu.Unlock()

	if pending && rec.Options.Terminate {
		cancel()
	}
	return ctx, cancel
}

// UnregisterTask drops the task's cancel handle.
func (m *Manager) UnregisterTask(taskID string) {
	m.mu.Lock()
	delete(m.running, taskID)
	m.mu.Unlock()
}

// Revoke persists revoke orders for the given task ids; the store fans them
// out to every subscribed worker, this one included.
func (m *Manager) Revoke(ctx context.Context, taskIDs []string, opts domain.RevokeOptions) error {
	if opts.Signal == "" {
		opts.Signal = domain.SignalGraceful
	}
	for _, id := range taskIDs {
		rec := domain.RevocationRecord{TaskID: id, Options: opts, CreatedAt: time.Now().UTC()}
		if err := m.store.Add(ctx, rec); err != nil {
			return fmt.Errorf("op=revocation.revoke task_id=%s: %w", id, err)
		}
	}
	return nil
}

// Forget clears a pending revocation, typically after the task reached its
// Revoked terminal state.
func (m *Manager) Forget(ctx context.Context, taskID string) {
	m.mu.Lock()
	delete(m.pending, taskID)
	m.mu.Unlock()
	if err := m.store.Remove(ctx, taskID); err != nil {
		slog.Warn("failed to remove revocation record",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}
