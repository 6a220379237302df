package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

func TestRevocationStoreAddListRemove(t *testing.T) {
	_, rdb := testClient(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewRevocationStore(rdb, fixedClock(&now))
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, domain.RevocationRecord{TaskID: "t1"}))
	require.NoError(t, s.Add(ctx, domain.RevocationRecord{TaskID: "t2", Options: domain.RevokeOptions{Terminate: true}}))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byID := map[string]domain.RevocationRecord{}
	for _, r := range recs {
		byID[r.TaskID] = r
	}
	require.Equal(t, now, byID["t1"].CreatedAt)
	require.True(t, byID["t2"].Options.Terminate)

	require.NoError(t, s.Remove(ctx, "t1"))
	recs, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "t2", recs[0].TaskID)
}

func TestRevocationStoreSubscribeReceivesAdds(t *testing.T) {
	_, rdb := testClient(t)
	s := NewRevocationStore(rdb, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Add(ctx, domain.RevocationRecord{TaskID: "t1"}))

	select {
	case rec := <-ch:
		require.Equal(t, "t1", rec.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive the revocation event")
	}
}

func TestRevocationStoreSubscribeClosesWithContext(t *testing.T) {
	_, rdb := testClient(t)
	s := NewRevocationStore(rdb, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close with the context")
	}
}
