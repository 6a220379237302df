package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

func TestRevocationStoreAddListRemove(t *testing.T) {
	s := NewRevocationStore(nil)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, domain.RevocationRecord{TaskID: "t1"}))
	require.NoError(t, s.Add(ctx, domain.RevocationRecord{TaskID: "t2", Options: domain.RevokeOptions{Terminate: true}}))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.NoError(t, s.Remove(ctx, "t1"))
	recs, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "t2", recs[0].TaskID)
}

func TestRevocationStoreSubscribeFanOut(t *testing.T) {
	s := NewRevocationStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := s.Subscribe(ctx)
	require.NoError(t, err)
	ch2, err := s.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Add(ctx, domain.RevocationRecord{TaskID: "t1"}))

	for _, ch := range []<-chan domain.RevocationRecord{ch1, ch2} {
		select {
		case rec := <-ch:
			require.Equal(t, "t1", rec.TaskID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the revocation")
		}
	}
}

func TestRevocationStoreSubscribeClosesWithContext(t *testing.T) {
	s := NewRevocationStore(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel did not close with the context")
	}
}
