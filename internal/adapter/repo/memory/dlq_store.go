package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// DeadLetterStore archives terminally failed messages with TTL emulation.
type DeadLetterStore struct {
	mu    sync.Mutex
	rows  map[string]domain.DeadLetterMessage
	clock domain.Clock
}

// NewDeadLetterStore creates a DeadLetterStore. A nil clock means time.Now.
func NewDeadLetterStore(clock domain.Clock) *DeadLetterStore {
	if clock == nil {
		clock = time.Now
	}
	return &DeadLetterStore{rows: make(map[string]domain.DeadLetterMessage), clock: clock}
}

// Store implements domain.DeadLetterStore: upsert by id.
func (s *DeadLetterStore) Store(_ context.Context, msg domain.DeadLetterMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[msg.ID] = msg
	return nil
}

// GetAll implements domain.DeadLetterStore: non-expired rows, newest first.
func (s *DeadLetterStore) GetAll(_ context.Context, limit, offset int) ([]domain.DeadLetterMessage, error) {
	now := s.clock()
	s.mu.Lock()
	var all []domain.DeadLetterMessage
	for _, row := range s.rows {
		if !s.expired(row, now) {
			all = append(all, row)
		}
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Get implements domain.DeadLetterStore.
func (s *DeadLetterStore) Get(_ context.Context, id string) (*domain.DeadLetterMessage, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || s.expired(row, now) {
		return nil, nil
	}
	out := row
	return &out, nil
}

// Requeue implements domain.DeadLetterStore: delete and return the row for
// the caller to republish.
func (s *DeadLetterStore) Requeue(_ context.Context, id string) (*domain.DeadLetterMessage, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || s.expired(row, now) {
		return nil, domain.ErrNotFound
	}
	delete(s.rows, id)
	out := row
	return &out, nil
}

// Delete implements domain.DeadLetterStore.
func (s *DeadLetterStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

// Purge implements domain.DeadLetterStore.
func (s *DeadLetterStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rows)
	s.rows = make(map[string]domain.DeadLetterMessage)
	return n, nil
}

// CleanupExpired implements domain.DeadLetterStore.
func (s *DeadLetterStore) CleanupExpired(_ context.Context) (int, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, row := range s.rows {
		if s.expired(row, now) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// GetCount implements domain.DeadLetterStore.
func (s *DeadLetterStore) GetCount(_ context.Context) (int, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, row := range s.rows {
		if !s.expired(row, now) {
			n++
		}
	}
	return n, nil
}

func (s *DeadLetterStore) expired(row domain.DeadLetterMessage, now time.Time) bool {
	return row.ExpiresAt != nil && row.ExpiresAt.Before(now)
}
