package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	membroker "github.com/fairyhunter13/celerity/internal/adapter/broker/memory"
	memrepo "github.com/fairyhunter13/celerity/internal/adapter/repo/memory"
	"github.com/fairyhunter13/celerity/internal/domain"
)

func fixedClock(at *time.Time) domain.Clock {
	return func() time.Time { return *at }
}

// failingBroker wraps the memory broker and fails Publish while broken.
type failingBroker struct {
	*membroker.Broker
	mu     sync.Mutex
	broken bool
}

func (b *failingBroker) setBroken(v bool) {
	b.mu.Lock()
	b.broken = v
	b.mu.Unlock()
}

func (b *failingBroker) Publish(ctx context.Context, queue string, msg domain.TaskMessage) error {
	b.mu.Lock()
	broken := b.broken
	b.mu.Unlock()
	if broken {
		return errors.New("broker unavailable")
	}
	return b.Broker.Publish(ctx, queue, msg)
}

func TestDelayedDispatchDuePublishesDueMessages(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := memrepo.NewDelayedStore(fixedClock(&now))
	broker := membroker.New(nil)
	defer broker.Close()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, domain.TaskMessage{ID: "due", Task: "a", Queue: "celery"}, now.Add(-time.Second)))
	require.NoError(t, store.Add(ctx, domain.TaskMessage{ID: "future", Task: "b", Queue: "celery"}, now.Add(time.Hour)))

	d := &Delayed{Store: store, Broker: broker, Clock: fixedClock(&now)}
	d.DispatchDue(ctx)

	require.Equal(t, 1, broker.PendingCount("celery"))
	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n) // the future message stays scheduled
}

func TestDelayedPublishFailureReschedules(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := memrepo.NewDelayedStore(fixedClock(&now))
	broker := &failingBroker{Broker: membroker.New(nil)}
	defer broker.Close()
	broker.setBroken(true)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, domain.TaskMessage{ID: "due", Task: "a", Queue: "celery"}, now.Add(-time.Second)))

	d := &Delayed{Store: store, Broker: broker, Clock: fixedClock(&now), RetryInterval: time.Minute}
	d.DispatchDue(ctx)

	// Re-scheduled a minute out, not lost.
	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	next, err := store.NextDeliveryTime(ctx)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute), next)

	// Once the broker recovers the message flows out.
	broker.setBroken(false)
	now = now.Add(2 * time.Minute)
	d.DispatchDue(ctx)
	require.Equal(t, 1, broker.PendingCount("celery"))
}

func TestDelayedNextSleepBounds(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := memrepo.NewDelayedStore(fixedClock(&now))
	broker := membroker.New(nil)
	defer broker.Close()
	ctx := context.Background()

	d := &Delayed{Store: store, Broker: broker, Clock: fixedClock(&now),
		MinSleep: 100 * time.Millisecond, MaxSleep: 5 * time.Second}
	d.defaults()

	// Empty store sleeps the maximum.
	require.Equal(t, 5*time.Second, d.nextSleep(ctx))

	// A near delivery clamps to the minimum.
	require.NoError(t, store.Add(ctx, domain.TaskMessage{ID: "a", Queue: "celery"}, now.Add(time.Millisecond)))
	require.Equal(t, 100*time.Millisecond, d.nextSleep(ctx))

	// A mid-range delivery sleeps until it is due.
	require.NoError(t, store.Remove(ctx, "a"))
	require.NoError(t, store.Add(ctx, domain.TaskMessage{ID: "b", Queue: "celery"}, now.Add(2*time.Second)))
	require.Equal(t, 2*time.Second, d.nextSleep(ctx))

	// A far delivery clamps to the maximum.
	require.NoError(t, store.Remove(ctx, "b"))
	require.NoError(t, store.Add(ctx, domain.TaskMessage{ID: "c", Queue: "celery"}, now.Add(time.Hour)))
	require.Equal(t, 5*time.Second, d.nextSleep(ctx))
}

func TestDelayedRunDispatchesUntilCancelled(t *testing.T) {
	store := memrepo.NewDelayedStore(nil)
	broker := membroker.New(nil)
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.Add(ctx, domain.TaskMessage{ID: "a", Queue: "celery"}, time.Now().Add(-time.Second)))

	d := &Delayed{Store: store, Broker: broker, MinSleep: 5 * time.Millisecond, MaxSleep: 20 * time.Millisecond}
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for broker.PendingCount("celery") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, broker.PendingCount("celery"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop with the context")
	}
}
