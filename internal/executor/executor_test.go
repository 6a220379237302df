package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	membroker "github.com/fairyhunter13/celerity/internal/adapter/broker/memory"
	memrepo "github.com/fairyhunter13/celerity/internal/adapter/repo/memory"
	"github.com/fairyhunter13/celerity/internal/breaker"
	"github.com/fairyhunter13/celerity/internal/client"
	"github.com/fairyhunter13/celerity/internal/codec"
	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/filter"
	"github.com/fairyhunter13/celerity/internal/registry"
	"github.com/fairyhunter13/celerity/internal/revocation"
	"github.com/fairyhunter13/celerity/internal/service/ratelimiter"
)

type execFixture struct {
	t       *testing.T
	ctx     context.Context
	broker  *membroker.Broker
	backend *memrepo.ResultBackend
	delayed *memrepo.DelayedStore
	dlq     *memrepo.DeadLetterStore
	inbox   *memrepo.InboxStore
	revokes *revocation.Manager
	reg     *registry.Registry

	deliveries <-chan domain.BrokerMessage
	cfg        Config
	exec       *Executor
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &execFixture{
		t:       t,
		ctx:     ctx,
		broker:  membroker.New(nil),
		backend: memrepo.NewResultBackend(nil, 0),
		delayed: memrepo.NewDelayedStore(nil),
		dlq:     memrepo.NewDeadLetterStore(nil),
		inbox:   memrepo.NewInboxStore(nil),
		reg:     registry.New(codec.NewJSON()),
	}
	t.Cleanup(f.broker.Close)

	f.revokes = revocation.NewManager(memrepo.NewRevocationStore(nil))
	require.NoError(t, f.revokes.Start(ctx))

	deliveries, err := f.broker.Consume(ctx, []string{"celery"}, 16)
	require.NoError(t, err)
	f.deliveries = deliveries

	f.cfg = Config{
		Registry:    f.reg,
		Broker:      f.broker,
		Backend:     f.backend,
		Delayed:     f.delayed,
		Inbox:       f.inbox,
		DLQ:         f.dlq,
		Revocations: f.revokes,
		Limiter:     ratelimiter.NewMemoryLimiter(nil),
		Links:       client.New(client.Config{Broker: f.broker}),
		WorkerID:    "w-test",
	}
	return f
}

func (f *execFixture) build() {
	f.exec = New(f.cfg)
}

// process publishes the message and runs the resulting delivery through the
// executor.
func (f *execFixture) process(msg domain.TaskMessage) domain.TaskResult {
	f.t.Helper()
	if f.exec == nil {
		f.build()
	}
	require.NoError(f.t, f.broker.Publish(f.ctx, msg.Queue, msg))
	select {
	case d := <-f.deliveries:
		return f.exec.Process(f.ctx, d)
	case <-time.After(2 * time.Second):
		f.t.Fatal("no delivery")
		return domain.TaskResult{}
	}
}

func (f *execFixture) receive() domain.BrokerMessage {
	f.t.Helper()
	select {
	case d := <-f.deliveries:
		return d
	case <-time.After(2 * time.Second):
		f.t.Fatal("no delivery")
		return domain.BrokerMessage{}
	}
}

func taskMessage(id, task string) domain.TaskMessage {
	return domain.TaskMessage{
		ID:          id,
		Task:        task,
		ContentType: codec.ContentTypeJSON,
		Queue:       "celery",
		MaxRetries:  domain.DefaultMaxRetries,
		Timestamp:   time.Now(),
		StoreResult: true,
	}
}

func TestProcessSuccess(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "math.double", func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	}, registry.Options{})

	msg := taskMessage("t1", "math.double")
	msg.Args = []byte(`21`)
	res := f.process(msg)

	require.Equal(t, domain.StateSuccess, res.State)
	require.Equal(t, []byte(`42`), res.Result)
	require.Equal(t, "w-test", res.Worker)

	stored, err := f.backend.GetResult(f.ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, stored.State)

	processed, err := f.inbox.IsProcessed(f.ctx, "t1")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestProcessUnknownTaskIsDeadLettered(t *testing.T) {
	f := newExecFixture(t)

	res := f.process(taskMessage("t1", "nobody.home"))
	require.Equal(t, domain.StateRejected, res.State)
	require.NotNil(t, res.Exception)

	row, err := f.dlq.Get(f.ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, domain.ReasonUnknownTask, row.Reason)
}

func TestProcessExpiredMessage(t *testing.T) {
	f := newExecFixture(t)
	ran := false
	registry.Register(f.reg, "email.send", func(_ context.Context, _ struct{}) (struct{}, error) {
		ran = true
		return struct{}{}, nil
	}, registry.Options{})

	msg := taskMessage("t1", "email.send")
	past := time.Now().Add(-time.Minute)
	msg.Expires = &past
	res := f.process(msg)

	require.Equal(t, domain.StateRejected, res.State)
	require.False(t, ran)

	row, err := f.dlq.Get(f.ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, domain.ReasonExpired, row.Reason)
}

func TestProcessInboxDeduplicates(t *testing.T) {
	f := newExecFixture(t)
	runs := 0
	registry.Register(f.reg, "email.send", func(_ context.Context, _ struct{}) (string, error) {
		runs++
		return "sent", nil
	}, registry.Options{})

	first := f.process(taskMessage("t1", "email.send"))
	require.Equal(t, domain.StateSuccess, first.State)

	second := f.process(taskMessage("t1", "email.send"))
	require.Equal(t, domain.StateSuccess, second.State)
	require.Equal(t, 1, runs)
	require.Equal(t, []byte(`"sent"`), second.Result) // prior result replayed
}

func TestProcessIdempotentTaskSkipsInbox(t *testing.T) {
	f := newExecFixture(t)
	runs := 0
	registry.Register(f.reg, "cache.warm", func(_ context.Context, _ struct{}) (struct{}, error) {
		runs++
		return struct{}{}, nil
	}, registry.Options{Idempotent: true})

	f.process(taskMessage("t1", "cache.warm"))
	f.process(taskMessage("t1", "cache.warm"))
	require.Equal(t, 2, runs)

	processed, err := f.inbox.IsProcessed(f.ctx, "t1")
	require.NoError(t, err)
	require.False(t, processed)
}

func TestProcessFailureIsDeadLetteredWithException(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "flaky", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, errors.New("smtp unreachable")
	}, registry.Options{})

	res := f.process(taskMessage("t1", "flaky"))
	require.Equal(t, domain.StateFailure, res.State)
	require.NotNil(t, res.Exception)
	require.Contains(t, res.Exception.Message, "smtp unreachable")

	row, err := f.dlq.Get(f.ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, domain.ReasonFailed, row.Reason)
}

func TestProcessRetryRequestedGoesToDelayedStore(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "flaky", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, domain.Retry(10 * time.Second)
	}, registry.Options{})

	res := f.process(taskMessage("t1", "flaky"))
	require.Equal(t, domain.StateRetry, res.State)
	require.Equal(t, 1, res.Retries)
	require.Equal(t, 10*time.Second, res.RequeueDelay)

	n, err := f.delayed.PendingCount(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProcessRetryBudgetExhaustion(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "flaky", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, domain.Retry(time.Second)
	}, registry.Options{})

	msg := taskMessage("t1", "flaky")
	msg.Retries = msg.MaxRetries // the next increment exceeds the budget
	res := f.process(msg)

	require.Equal(t, domain.StateFailure, res.State)
	require.Equal(t, msg.MaxRetries+1, res.Retries)

	row, err := f.dlq.Get(f.ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, domain.ReasonMaxRetriesExceeded, row.Reason)

	n, err := f.delayed.PendingCount(f.ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProcessRateLimitDenialDoesNotConsumeBudget(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "email.send", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, nil
	}, registry.Options{RateLimit: domain.RateLimitPolicy{Limit: 1, Window: time.Minute}})

	first := f.process(taskMessage("t1", "email.send"))
	require.Equal(t, domain.StateSuccess, first.State)

	second := f.process(taskMessage("t2", "email.send"))
	require.Equal(t, domain.StateRetry, second.State)
	require.True(t, second.DoNotIncrementRetries)
	require.Zero(t, second.Retries)

	n, err := f.delayed.PendingCount(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProcessRevokedBeforeDispatch(t *testing.T) {
	f := newExecFixture(t)
	ran := false
	registry.Register(f.reg, "email.send", func(_ context.Context, _ struct{}) (struct{}, error) {
		ran = true
		return struct{}{}, nil
	}, registry.Options{})

	require.NoError(t, f.revokes.Revoke(f.ctx, []string{"t1"}, domain.RevokeOptions{}))
	deadline := time.Now().Add(2 * time.Second)
	for !f.revokes.IsRevoked("t1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	res := f.process(taskMessage("t1", "email.send"))
	require.Equal(t, domain.StateRevoked, res.State)
	require.False(t, ran)
	require.False(t, f.revokes.IsRevoked("t1")) // forgotten after settling
}

func TestProcessRejectedError(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "strict", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, domain.Reject("malformed payload")
	}, registry.Options{})

	res := f.process(taskMessage("t1", "strict"))
	require.Equal(t, domain.StateRejected, res.State)

	row, err := f.dlq.Get(f.ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, domain.ReasonRejected, row.Reason)
}

func TestProcessTimeLimit(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "slow", func(ctx context.Context, _ struct{}) (struct{}, error) {
		select {
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return struct{}{}, nil
		}
	}, registry.Options{TimeLimit: 50 * time.Millisecond})

	res := f.process(taskMessage("t1", "slow"))
	require.Equal(t, domain.StateFailure, res.State)

	row, err := f.dlq.Get(f.ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, domain.ReasonTimeLimitExceeded, row.Reason)
}

func TestProcessPartitionLockContentionRequeues(t *testing.T) {
	f := newExecFixture(t)
	locks := memrepo.NewPartitionLockStore(nil)
	f.cfg.Pipeline = filter.NewPipeline(&filter.PartitionLockFilter{
		Locks: locks, TTL: time.Minute, RequeueDelay: time.Second,
	})
	ran := false
	registry.Register(f.reg, "orders.process", func(_ context.Context, _ struct{}) (struct{}, error) {
		ran = true
		return struct{}{}, nil
	}, registry.Options{})

	ok, err := locks.TryAcquire(f.ctx, "acct-9", "other-task", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	msg := taskMessage("t1", "orders.process")
	msg.Headers = map[string]string{domain.HeaderPartitionKey: "acct-9"}
	res := f.process(msg)

	require.Equal(t, domain.StateRequeued, res.State)
	require.False(t, ran)

	n, err := f.delayed.PendingCount(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProcessLinkPublishedOnSuccess(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "math.double", func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	}, registry.Options{})

	msg := taskMessage("t1", "math.double")
	msg.Args = []byte(`3`)
	msg.Link = `{"task":"math.report"}`
	res := f.process(msg)
	require.Equal(t, domain.StateSuccess, res.State)

	linked := f.receive()
	require.Equal(t, "math.report", linked.Message.Task)
	require.Equal(t, []byte(`6`), linked.Message.Args)
}

func TestProcessErrorLinkPublishedOnFailure(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "flaky", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, errors.New("boom")
	}, registry.Options{})

	msg := taskMessage("t1", "flaky")
	msg.LinkError = `{"task":"cleanup"}`
	res := f.process(msg)
	require.Equal(t, domain.StateFailure, res.State)

	linked := f.receive()
	require.Equal(t, "cleanup", linked.Message.Task)
}

func TestProcessCircuitOpenRetriesWithoutBudget(t *testing.T) {
	f := newExecFixture(t)
	f.cfg.Breakers = breaker.NewManager(breaker.Config{FailureThreshold: 1, OpenDuration: time.Hour})
	registry.Register(f.reg, "flaky", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, errors.New("db down")
	}, registry.Options{})

	first := f.process(taskMessage("t1", "flaky"))
	require.Equal(t, domain.StateFailure, first.State)

	// The breaker is now open: the handler is not invoked and the message
	// retries without consuming its budget.
	second := f.process(taskMessage("t2", "flaky"))
	require.Equal(t, domain.StateRetry, second.State)
	require.True(t, second.DoNotIncrementRetries)
}

func TestProcessKillSwitchRecordsOutcomes(t *testing.T) {
	f := newExecFixture(t)
	ks := breaker.NewKillSwitch(breaker.KillSwitchConfig{ActivationThreshold: 2, TripThreshold: 0.5})
	f.cfg.KillSwitch = ks
	registry.Register(f.reg, "flaky", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, errors.New("boom")
	}, registry.Options{})

	f.process(taskMessage("t1", "flaky"))
	f.process(taskMessage("t2", "flaky"))
	require.True(t, ks.IsTripped())
}

func TestProcessResultNotStoredWhenDisabled(t *testing.T) {
	f := newExecFixture(t)
	registry.Register(f.reg, "fire.forget", func(_ context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, nil
	}, registry.Options{})

	msg := taskMessage("t1", "fire.forget")
	msg.StoreResult = false
	res := f.process(msg)
	require.Equal(t, domain.StateSuccess, res.State)

	stored, err := f.backend.GetResult(f.ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, stored)
}
