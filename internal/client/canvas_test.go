package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

func TestSubmitSignature(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	ids, err := f.client.Submit(ctx, domain.Signature{Task: "email.send", Queue: "mail"})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, 1, f.broker.PendingCount("mail"))
}

func TestSubmitChainPublishesOnlyHeadWithLinks(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := f.broker.Consume(ctx, []string{"celery"}, 4)
	require.NoError(t, err)

	ids, err := f.client.Submit(ctx, domain.Chain{Members: []domain.Primitive{
		domain.Signature{Task: "step.one"},
		domain.Signature{Task: "step.two"},
		domain.Signature{Task: "step.three"},
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	d := <-deliveries
	require.Equal(t, "step.one", d.Message.Task)

	var second domain.Signature
	require.NoError(t, json.Unmarshal([]byte(d.Message.Link), &second))
	require.Equal(t, "step.two", second.Task)

	var third domain.Signature
	require.NoError(t, json.Unmarshal([]byte(second.Link), &third))
	require.Equal(t, "step.three", third.Task)
	require.Empty(t, third.Link)

	require.Zero(t, f.broker.PendingCount("celery"))
}

func TestSubmitGroupPublishesAllMembers(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	ids, err := f.client.Submit(ctx, domain.Group{Members: []domain.Primitive{
		domain.Signature{Task: "a"},
		domain.Signature{Task: "b"},
		domain.Signature{Task: "c"},
	}})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, 3, f.broker.PendingCount("celery"))
}

func TestSubmitChordPublishesHeaderAndDelayedUnlock(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	ids, err := f.client.Submit(ctx, domain.Chord{
		Header: domain.Group{Members: []domain.Primitive{
			domain.Signature{Task: "a"},
			domain.Signature{Task: "b"},
		}},
		Callback: domain.Signature{Task: "sum"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3) // two header tasks plus the unlock

	require.Equal(t, 2, f.broker.PendingCount("celery"))
	n, err := f.delayed.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n) // the unlock task waits in the delayed store
}

func TestPublishLinkCarriesResultAsArgs(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := f.broker.Consume(ctx, []string{"celery"}, 4)
	require.NoError(t, err)

	id, err := f.client.PublishLink(ctx, `{"task":"email.followup"}`, []byte(`{"sent":true}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	d := <-deliveries
	require.Equal(t, "email.followup", d.Message.Task)
	require.JSONEq(t, `{"sent":true}`, string(d.Message.Args))
}

func TestPublishLinkBadSignature(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.client.PublishLink(context.Background(), `{broken`, nil)
	require.ErrorIs(t, err, domain.ErrDeserialization)
}

func TestChordUnlockHandlerRetriesWhileHeaderRuns(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	h := ChordUnlockHandler(f.client, f.backend, 100*time.Millisecond)

	require.NoError(t, f.backend.StoreResult(ctx, domain.TaskResult{TaskID: "h1", State: domain.StateStarted}, 0))

	_, err := h(ctx, ChordUnlockArgs{TaskIDs: []string{"h1"}, Callback: domain.Signature{Task: "sum"}})
	var retry *domain.RetryRequestedError
	require.ErrorAs(t, err, &retry)
	require.True(t, retry.DoNotIncrementRetries)
	require.Equal(t, 100*time.Millisecond, retry.Delay)
}

func TestChordUnlockHandlerReleasesCallback(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := f.broker.Consume(ctx, []string{"celery"}, 4)
	require.NoError(t, err)

	require.NoError(t, f.backend.StoreResult(ctx, domain.TaskResult{TaskID: "h1", State: domain.StateSuccess, Result: []byte(`1`)}, 0))
	require.NoError(t, f.backend.StoreResult(ctx, domain.TaskResult{TaskID: "h2", State: domain.StateSuccess, Result: []byte(`2`)}, 0))

	h := ChordUnlockHandler(f.client, f.backend, time.Second)
	_, err = h(ctx, ChordUnlockArgs{TaskIDs: []string{"h1", "h2"}, Callback: domain.Signature{Task: "sum"}})
	require.NoError(t, err)

	d := <-deliveries
	require.Equal(t, "sum", d.Message.Task)
	require.JSONEq(t, `[1,2]`, string(d.Message.Args))
}

func TestChordUnlockHandlerFailsWhenHeaderFailed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.backend.StoreResult(ctx, domain.TaskResult{TaskID: "h1", State: domain.StateFailure}, 0))

	h := ChordUnlockHandler(f.client, f.backend, time.Second)
	_, err := h(ctx, ChordUnlockArgs{TaskIDs: []string{"h1"}, Callback: domain.Signature{Task: "sum"}})
	require.Error(t, err)
	var retry *domain.RetryRequestedError
	require.False(t, errors.As(err, &retry))
}
