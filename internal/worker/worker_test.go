package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	membroker "github.com/fairyhunter13/celerity/internal/adapter/broker/memory"
	memrepo "github.com/fairyhunter13/celerity/internal/adapter/repo/memory"
	"github.com/fairyhunter13/celerity/internal/breaker"
	"github.com/fairyhunter13/celerity/internal/codec"
	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/executor"
	"github.com/fairyhunter13/celerity/internal/registry"
)

type workerFixture struct {
	broker  *membroker.Broker
	backend *memrepo.ResultBackend
	reg     *registry.Registry
	exec    *executor.Executor
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		broker:  membroker.New(nil),
		backend: memrepo.NewResultBackend(nil, 0),
		reg:     registry.New(codec.NewJSON()),
	}
	t.Cleanup(f.broker.Close)
	f.exec = executor.New(executor.Config{
		Registry: f.reg,
		Broker:   f.broker,
		Backend:  f.backend,
		WorkerID: "w-test",
	})
	return f
}

func (f *workerFixture) publish(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%d", i)
		ids = append(ids, id)
		require.NoError(t, f.broker.Publish(context.Background(), "celery", domain.TaskMessage{
			ID: id, Task: "work", Queue: "celery", StoreResult: true,
		}))
	}
	return ids
}

func (f *workerFixture) waitDone(t *testing.T, ids []string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for {
			res, err := f.backend.GetResult(context.Background(), id)
			require.NoError(t, err)
			if res != nil && res.State.IsTerminal() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("task %s never finished", id)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestWorkerProcessesDeliveries(t *testing.T) {
	f := newWorkerFixture(t)
	var runs atomic.Int32
	registry.Register(f.reg, "work", func(_ context.Context, _ struct{}) (struct{}, error) {
		runs.Add(1)
		return struct{}{}, nil
	}, registry.Options{})

	ids := f.publish(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := New(Config{Broker: f.broker, Executor: f.exec, WorkerID: "w-test", Concurrency: 2})
	go func() { done <- w.Run(ctx) }()

	f.waitDone(t, ids)
	require.EqualValues(t, 5, runs.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	f := newWorkerFixture(t)
	var inFlight, peak atomic.Int32
	registry.Register(f.reg, "work", func(_ context.Context, _ struct{}) (struct{}, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	}, registry.Options{})

	ids := f.publish(t, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(Config{Broker: f.broker, Executor: f.exec, Concurrency: 2, Prefetch: 8})
	go func() { _ = w.Run(ctx) }()

	f.waitDone(t, ids)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerDrainsRunningTaskOnShutdown(t *testing.T) {
	f := newWorkerFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	registry.Register(f.reg, "work", func(_ context.Context, _ struct{}) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	}, registry.Options{})

	ids := f.publish(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := New(Config{Broker: f.broker, Executor: f.exec, Concurrency: 1, ShutdownTimeout: 5 * time.Second})
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel() // graceful stop while the task is mid-flight

	select {
	case <-done:
		t.Fatal("worker returned before the running task finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain")
	}
	f.waitDone(t, ids)
}

func TestWorkerPausesWhileKillSwitchTripped(t *testing.T) {
	f := newWorkerFixture(t)
	var runs atomic.Int32
	registry.Register(f.reg, "work", func(_ context.Context, _ struct{}) (struct{}, error) {
		runs.Add(1)
		return struct{}{}, nil
	}, registry.Options{})

	ks := breaker.NewKillSwitch(breaker.KillSwitchConfig{ActivationThreshold: 2, TripThreshold: 0.5})
	ks.Record(false)
	ks.Record(false)
	require.True(t, ks.IsTripped())

	f.publish(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(Config{Broker: f.broker, Executor: f.exec, Concurrency: 1, KillSwitch: ks})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, runs.Load())

	ks.Reset()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.EqualValues(t, 1, runs.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
