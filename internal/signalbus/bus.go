// Package signalbus dispatches typed lifecycle events to subscribed
// handlers through a bounded worker pool.
package signalbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// Bus is the in-process signal dispatcher. Publishing enqueues; a fixed
// pool of workers drains the queue and invokes handlers. One handler's
// failure or panic never prevents the others from running and never affects
// the task outcome.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.SignalType][]domain.SignalHandler

	queue   chan domain.Signal
	workers int

	startOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Bus with the given worker count and queue capacity.
func New(workers, buffer int) *Bus {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		handlers: make(map[domain.SignalType][]domain.SignalHandler),
		queue:    make(chan domain.Signal, buffer),
		workers:  workers,
	}
}

// Subscribe registers a handler for a signal type.
func (b *Bus) Subscribe(t domain.SignalType, h domain.SignalHandler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// Publish enqueues a signal for asynchronous dispatch. When the queue is
// full the signal is dropped with a warning rather than blocking the
// executor.
func (b *Bus) Publish(_ context.Context, sig domain.Signal) {
	select {
	case b.queue <- sig:
	default:
		slog.Warn("signal queue full, dropping signal",
			slog.String("type", string(sig.Type)),
			slog.String("task_id", sig.TaskID))
	}
}

// Start launches the worker pool; it drains until ctx is done.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case sig := <-b.queue:
						b.dispatch(ctx, sig)
					}
				}
			}()
		}
	})
}

// Wait blocks until every worker has exited.
func (b *Bus) Wait() { b.wg.Wait() }

// dispatch invokes every handler subscribed to the signal's type. Handler
// invocations for one signal are unordered among themselves.
func (b *Bus) dispatch(ctx context.Context, sig domain.Signal) {
	b.mu.RLock()
	hs := make([]domain.SignalHandler, len(b.handlers[sig.Type]))
	copy(hs, b.handlers[sig.Type])
	b.mu.RUnlock()

	for _, h := range hs {
		func(h domain.SignalHandler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("signal handler panicked",
						slog.String("type", string(sig.Type)), slog.Any("panic", r))
				}
			}()
			if err := h(ctx, sig); err != nil {
				slog.Error("signal handler failed",
					slog.String("type", string(sig.Type)),
					slog.String("task_id", sig.TaskID),
					slog.Any("error", err))
			}
		}(h)
	}
}
