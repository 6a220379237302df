package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// KillSwitchState enumerates the kill-switch lifecycle.
type KillSwitchState int

const (
	// KillSwitchReady means too few samples have been observed to judge.
	KillSwitchReady KillSwitchState = iota
	// KillSwitchTracking means the sample window is full enough to judge
	// and the failure rate is below the trip threshold.
	KillSwitchTracking
	// KillSwitchTripped means consumption is paused.
	KillSwitchTripped
)

// KillSwitchConfig tunes the global failure-rate gate.
type KillSwitchConfig struct {
	// TrackingWindow bounds the age of counted samples.
	TrackingWindow time.Duration
	// ActivationThreshold is the minimum sample count before judging.
	ActivationThreshold int
	// TripThreshold is the failure rate in [0,1] at which the switch trips.
	TripThreshold float64
	// Clock is the time source; nil means time.Now.
	Clock domain.Clock
}

type sample struct {
	at time.Time
	ok bool
}

// KillSwitch tracks recent task outcomes and pauses all consumers when the
// failure rate over the window crosses the trip threshold.
type KillSwitch struct {
	cfg KillSwitchConfig

	mu      sync.Mutex
	state   KillSwitchState
	samples []sample
	ready   chan struct{} // closed while not tripped
}

// NewKillSwitch creates a kill switch in the Ready state.
func NewKillSwitch(cfg KillSwitchConfig) *KillSwitch {
	if cfg.TrackingWindow <= 0 {
		cfg.TrackingWindow = time.Minute
	}
	if cfg.ActivationThreshold <= 0 {
		cfg.ActivationThreshold = 20
	}
	if cfg.TripThreshold <= 0 {
		cfg.TripThreshold = 0.8
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ready := make(chan struct{})
	close(ready)
	return &KillSwitch{cfg: cfg, state: KillSwitchReady, ready: ready}
}

// Record adds one task outcome sample and re-evaluates the state.
func (k *KillSwitch) Record(success bool) {
	now := k.cfg.Clock()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.prune(now)
	k.samples = append(k.samples, sample{at: now, ok: success})

	if k.state == KillSwitchTripped {
		return
	}
	if len(k.samples) < k.cfg.ActivationThreshold {
		k.state = KillSwitchReady
		return
	}
	k.state = KillSwitchTracking
	var failures int
	for _, s := range k.samples {
		if !s.ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(k.samples))
	if rate >= k.cfg.TripThreshold {
		k.state = KillSwitchTripped
		k.ready = make(chan struct{})
	}
}

// prune drops samples older than the tracking window. Callers hold the lock.
func (k *KillSwitch) prune(now time.Time) {
	cutoff := now.Add(-k.cfg.TrackingWindow)
	kept := k.samples[:0]
	for _, s := range k.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	k.samples = kept
}

// State returns the current state.
func (k *KillSwitch) State() KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// IsTripped reports whether consumption is paused.
func (k *KillSwitch) IsTripped() bool { return k.State() == KillSwitchTripped }

// WaitUntilReady blocks while the switch is tripped. It returns
// domain.ErrKillSwitchTripped only when ctx is cancelled while waiting.
func (k *KillSwitch) WaitUntilReady(ctx context.Context) error {
	k.mu.Lock()
	ready := k.ready
	k.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return domain.ErrKillSwitchTripped
	}
}

// Reset clears all samples and returns to Ready, releasing waiters.
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.samples = nil
	if k.state == KillSwitchTripped {
		close(k.ready)
	}
	k.state = KillSwitchReady
}
