package signalbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBusDispatchesToSubscribedHandlers(t *testing.T) {
	b := New(2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	b.Subscribe(domain.SignalTaskSuccess, func(_ context.Context, sig domain.Signal) error {
		mu.Lock()
		got = append(got, sig.TaskID)
		mu.Unlock()
		return nil
	})
	b.Subscribe(domain.SignalTaskFailure, func(_ context.Context, sig domain.Signal) error {
		mu.Lock()
		got = append(got, "failure:"+sig.TaskID)
		mu.Unlock()
		return nil
	})
	b.Start(ctx)

	b.Publish(ctx, domain.Signal{Type: domain.SignalTaskSuccess, TaskID: "t1"})
	b.Publish(ctx, domain.Signal{Type: domain.SignalTaskRetry, TaskID: "t2"}) // nobody subscribed

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	require.Equal(t, []string{"t1"}, got)
	mu.Unlock()
}

func TestBusHandlerFailuresAreIsolated(t *testing.T) {
	b := New(1, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var delivered int
	b.Subscribe(domain.SignalTaskSuccess, func(context.Context, domain.Signal) error {
		panic("broken handler")
	})
	b.Subscribe(domain.SignalTaskSuccess, func(context.Context, domain.Signal) error {
		return errors.New("failing handler")
	})
	b.Subscribe(domain.SignalTaskSuccess, func(context.Context, domain.Signal) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	b.Start(ctx)

	b.Publish(ctx, domain.Signal{Type: domain.SignalTaskSuccess, TaskID: "t1"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
}

func TestBusDropsWhenQueueFull(t *testing.T) {
	b := New(1, 1)
	// Not started: nothing drains, so the second publish overflows.
	ctx := context.Background()
	b.Publish(ctx, domain.Signal{Type: domain.SignalTaskSuccess, TaskID: "t1"})
	b.Publish(ctx, domain.Signal{Type: domain.SignalTaskSuccess, TaskID: "t2"})
	require.Len(t, b.queue, 1)
}

func TestBusWorkersExitWithContext(t *testing.T) {
	b := New(2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after cancellation")
	}
}
