// Package ratelimiter provides per-key sliding-window rate limiters. The
// executor asks the limiter before dispatching a task; a denial is turned
// into a non-counting retry rather than an error.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// MemoryLimiter is an in-process sliding-window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	clock   domain.Clock
}

// NewMemoryLimiter creates a MemoryLimiter. A nil clock means time.Now.
func NewMemoryLimiter(clock domain.Clock) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{windows: make(map[string][]time.Time), clock: clock}
}

// TryAcquire implements domain.RateLimiter. When denied, RetryAfter is the
// time until the oldest counted acquisition leaves the window.
func (l *MemoryLimiter) TryAcquire(_ context.Context, key string, policy domain.RateLimitPolicy) (domain.RateLimitDecision, error) {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return domain.RateLimitDecision{Allowed: true}, nil
	}
	now := l.clock()
	cutoff := now.Add(-policy.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.windows[key][:0]
	for _, t := range l.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) < policy.Limit {
		l.windows[key] = append(kept, now)
		return domain.RateLimitDecision{Allowed: true}, nil
	}
	l.windows[key] = kept
	retryAfter := kept[0].Add(policy.Window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return domain.RateLimitDecision{Allowed: false, RetryAfter: retryAfter}, nil
}
