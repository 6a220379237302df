package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

func TestKillSwitchStaysReadyBelowActivation(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{ActivationThreshold: 10, TripThreshold: 0.5})

	for i := 0; i < 9; i++ {
		ks.Record(false)
	}
	require.Equal(t, KillSwitchReady, ks.State())
	require.False(t, ks.IsTripped())
}

func TestKillSwitchTripsOnFailureRate(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{ActivationThreshold: 10, TripThreshold: 0.5})

	for i := 0; i < 5; i++ {
		ks.Record(true)
	}
	for i := 0; i < 4; i++ {
		ks.Record(false)
	}
	require.Equal(t, KillSwitchReady, ks.State()) // 9 samples, still warming up

	ks.Record(false) // 10 samples, 5 failures, rate 0.5
	require.Equal(t, KillSwitchTripped, ks.State())
	require.True(t, ks.IsTripped())
}

func TestKillSwitchTracksBelowThreshold(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{ActivationThreshold: 4, TripThreshold: 0.9})

	for i := 0; i < 4; i++ {
		ks.Record(true)
	}
	require.Equal(t, KillSwitchTracking, ks.State())
}

func TestKillSwitchWindowPrunesOldSamples(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ks := NewKillSwitch(KillSwitchConfig{
		TrackingWindow: time.Minute, ActivationThreshold: 4, TripThreshold: 0.5, Clock: fixedClock(&now),
	})

	for i := 0; i < 3; i++ {
		ks.Record(false)
	}
	now = now.Add(2 * time.Minute)
	ks.Record(false)
	// Old failures aged out, only one sample remains.
	require.Equal(t, KillSwitchReady, ks.State())
}

func TestKillSwitchWaitUntilReady(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{ActivationThreshold: 2, TripThreshold: 0.5})

	require.NoError(t, ks.WaitUntilReady(context.Background()))

	ks.Record(false)
	ks.Record(false)
	require.True(t, ks.IsTripped())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, ks.WaitUntilReady(ctx), domain.ErrKillSwitchTripped)

	released := make(chan error, 1)
	go func() { released <- ks.WaitUntilReady(context.Background()) }()
	ks.Reset()
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Reset did not release the waiter")
	}
	require.Equal(t, KillSwitchReady, ks.State())
}
