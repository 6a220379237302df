// Package breaker implements the per-key circuit breaker and the global
// kill switch gating consumers on observed failure rate.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed means requests are allowed.
	StateClosed State = iota
	// StateOpen means requests are blocked.
	StateOpen
	// StateHalfOpen means a bounded number of probes are allowed.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a circuit breaker.
type Config struct {
	// FailureThreshold trips the breaker when reached within FailureWindow.
	FailureThreshold int
	FailureWindow    time.Duration
	// OpenDuration is how long the breaker stays open before admitting
	// probes.
	OpenDuration time.Duration
	// SuccessThreshold consecutive half-open successes close the breaker.
	SuccessThreshold int
	// Ignore lists error predicates that never count as failures.
	Ignore []func(error) bool
	// TripOnly restricts counting to matching errors when non-empty.
	TripOnly []func(error) bool
	// Clock is the time source; nil means time.Now.
	Clock domain.Clock
}

func (c *Config) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// CircuitBreaker is a closed/open/half-open gate over an operation.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	failures     []time.Time
	lastTrip     time.Time
	successCount int
	probeActive  bool
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	cfg.normalize()
	return &CircuitBreaker{name: name, cfg: cfg, state: StateClosed}
}

// GetState returns the current state, applying the open→half-open
// transition when the open duration has elapsed.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Execute runs op under breaker protection. When open it returns
// domain.ErrCircuitOpen without invoking op. In half-open state exactly one
// probe is admitted at a time.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	cb.mu.Lock()
	cb.maybeHalfOpen()
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return domain.ErrCircuitOpen
	case StateHalfOpen:
		if cb.probeActive {
			cb.mu.Unlock()
			return domain.ErrCircuitOpen
		}
		cb.probeActive = true
	}
	cb.mu.Unlock()

	err := op(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeActive = false
	if err != nil && cb.counts(err) {
		cb.recordFailure()
		return err
	}
	if err == nil {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) counts(err error) bool {
	for _, ig := range cb.cfg.Ignore {
		if ig(err) {
			return false
		}
	}
	if len(cb.cfg.TripOnly) > 0 {
		for _, only := range cb.cfg.TripOnly {
			if only(err) {
				return true
			}
		}
		return false
	}
	return true
}

// maybeHalfOpen transitions open → half-open after OpenDuration. Callers
// hold the lock.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && cb.cfg.Clock().Sub(cb.lastTrip) >= cb.cfg.OpenDuration {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}
}

// recordFailure counts a failure within the window. Callers hold the lock.
func (cb *CircuitBreaker) recordFailure() {
	now := cb.cfg.Clock()
	if cb.state == StateHalfOpen {
		cb.trip(now)
		return
	}
	cutoff := now.Add(-cb.cfg.FailureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = append(kept, now)
	if len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.trip(now)
	}
}

func (cb *CircuitBreaker) trip(now time.Time) {
	cb.state = StateOpen
	cb.lastTrip = now
	cb.failures = cb.failures[:0]
	cb.successCount = 0
}

// recordSuccess advances half-open toward closed. Callers hold the lock.
func (cb *CircuitBreaker) recordSuccess() {
	if cb.state != StateHalfOpen {
		return
	}
	cb.successCount++
	if cb.successCount >= cb.cfg.SuccessThreshold {
		cb.state = StateClosed
		cb.failures = cb.failures[:0]
		cb.successCount = 0
	}
}

// Reset returns the breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = cb.failures[:0]
	cb.successCount = 0
	cb.probeActive = false
}

// Manager holds per-key circuit breakers.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*CircuitBreaker
}

// NewManager creates a manager sharing one config across keys.
func NewManager(cfg Config) *Manager {
	cfg.normalize()
	return &Manager{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns (creating if needed) the breaker for a key.
func (m *Manager) Get(key string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return cb
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(key, m.cfg)
	m.breakers[key] = cb
	return cb
}

// ResetAll resets every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
