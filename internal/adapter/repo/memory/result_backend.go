// Package memory provides in-process implementations of every store
// contract. They back the embedded runtime and the test suite.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// ResultBackend keeps task results in a map with TTL emulation and a local
// waiter rendezvous. Wakes are delivered through buffered channels so the
// storer never runs a waiter's continuation inline.
type ResultBackend struct {
	mu      sync.Mutex
	results map[string]domain.TaskResult
	waiters map[string][]chan domain.TaskResult

	clock        domain.Clock
	pollInterval time.Duration
}

// NewResultBackend creates a ResultBackend. A nil clock means time.Now;
// pollInterval <= 0 defaults to 500ms.
func NewResultBackend(clock domain.Clock, pollInterval time.Duration) *ResultBackend {
	if clock == nil {
		clock = time.Now
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &ResultBackend{
		results:      make(map[string]domain.TaskResult),
		waiters:      make(map[string][]chan domain.TaskResult),
		clock:        clock,
		pollInterval: pollInterval,
	}
}

// StoreResult implements domain.ResultBackend.
func (b *ResultBackend) StoreResult(_ context.Context, result domain.TaskResult, expiry time.Duration) error {
	now := b.clock()
	if result.ExpiresAt == nil && expiry > 0 {
		t := now.Add(expiry)
		result.ExpiresAt = &t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.results[result.TaskID]; ok && !b.expired(prev, now) {
		// Terminal records are monotonic.
		if prev.State.IsTerminal() && !result.State.IsTerminal() {
			return nil
		}
	}
	b.results[result.TaskID] = result
	if result.State.IsTerminal() {
		for _, ch := range b.waiters[result.TaskID] {
			select {
			case ch <- result:
			default:
			}
		}
		delete(b.waiters, result.TaskID)
	}
	return nil
}

// GetResult implements domain.ResultBackend.
func (b *ResultBackend) GetResult(_ context.Context, taskID string) (*domain.TaskResult, error) {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.results[taskID]
	if !ok || b.expired(res, now) {
		return nil, nil
	}
	out := res
	return &out, nil
}

// WaitForResult implements domain.ResultBackend: rendezvous wake with a
// polling fallback. Timeout surfaces domain.ErrTimeout, distinguishable
// from ctx cancellation.
func (b *ResultBackend) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	ch := make(chan domain.TaskResult, 1)
	b.mu.Lock()
	if res, ok := b.results[taskID]; ok && res.State.IsTerminal() && !b.expired(res, b.clock()) {
		b.mu.Unlock()
		out := res
		return &out, nil
	}
	b.waiters[taskID] = append(b.waiters[taskID], ch)
	b.mu.Unlock()
	defer b.dropWaiter(taskID, ch)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-ch:
			out := res
			return &out, nil
		case <-ticker.C:
			res, err := b.GetResult(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if res != nil && res.State.IsTerminal() {
				return res, nil
			}
		case <-deadline:
			return nil, domain.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *ResultBackend) dropWaiter(taskID string, ch chan domain.TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[taskID]
	for i, w := range ws {
		if w == ch {
			b.waiters[taskID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[taskID]) == 0 {
		delete(b.waiters, taskID)
	}
}

// UpdateState implements domain.ResultBackend. CompletedAt and ExpiresAt
// are set on insert only.
func (b *ResultBackend) UpdateState(_ context.Context, taskID string, state domain.TaskState, metadata map[string]string) error {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.results[taskID]
	if !ok || b.expired(res, now) {
		b.results[taskID] = domain.TaskResult{
			TaskID:      taskID,
			State:       state,
			CompletedAt: now,
			Metadata:    metadata,
		}
		return nil
	}
	if res.State.IsTerminal() && !state.IsTerminal() {
		return nil
	}
	res.State = state
	if metadata != nil {
		res.Metadata = metadata
	}
	b.results[taskID] = res
	if state.IsTerminal() {
		for _, ch := range b.waiters[taskID] {
			select {
			case ch <- res:
			default:
			}
		}
		delete(b.waiters, taskID)
	}
	return nil
}

// GetState implements domain.ResultBackend.
func (b *ResultBackend) GetState(ctx context.Context, taskID string) (domain.TaskState, error) {
	res, err := b.GetResult(ctx, taskID)
	if err != nil || res == nil {
		return "", err
	}
	return res.State, nil
}

func (b *ResultBackend) expired(res domain.TaskResult, now time.Time) bool {
	return res.ExpiresAt != nil && res.ExpiresAt.Before(now)
}
