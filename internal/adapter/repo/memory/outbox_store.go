package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// OutboxStore is the in-memory publish-intent log. Sequence numbers are
// assigned under the lock and strictly increase; pending rows handed to one
// reader are leased so a concurrent reader skips them.
type OutboxStore struct {
	mu     sync.Mutex
	rows   map[string]domain.OutboxMessage
	leased map[string]struct{}
	seq    int64
	clock  domain.Clock
}

// NewOutboxStore creates an OutboxStore. A nil clock means time.Now.
func NewOutboxStore(clock domain.Clock) *OutboxStore {
	if clock == nil {
		clock = time.Now
	}
	return &OutboxStore{
		rows:   make(map[string]domain.OutboxMessage),
		leased: make(map[string]struct{}),
		clock:  clock,
	}
}

// Store implements domain.OutboxStore.
func (s *OutboxStore) Store(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg.SequenceNumber = s.seq
	if msg.Status == "" {
		msg.Status = domain.OutboxPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock()
	}
	s.rows[msg.ID] = msg
	return msg, nil
}

// GetPending implements domain.OutboxStore: pending rows in sequence order,
// skipping rows currently leased to another reader.
func (s *OutboxStore) GetPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []domain.OutboxMessage
	for id, row := range s.rows {
		if row.Status != domain.OutboxPending {
			continue
		}
		if _, busy := s.leased[id]; busy {
			continue
		}
		pending = append(pending, row)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SequenceNumber < pending[j].SequenceNumber
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	for _, row := range pending {
		s.leased[row.ID] = struct{}{}
	}
	return pending, nil
}

// MarkDispatched implements domain.OutboxStore.
func (s *OutboxStore) MarkDispatched(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := s.clock()
	row.Status = domain.OutboxDispatched
	row.DispatchedAt = &now
	s.rows[id] = row
	delete(s.leased, id)
	return nil
}

// MarkFailed implements domain.OutboxStore. At OutboxMaxAttempts the row
// sticks in Failed.
func (s *OutboxStore) MarkFailed(_ context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	row.Attempts++
	row.LastError = cause
	if row.Attempts >= domain.OutboxMaxAttempts {
		row.Status = domain.OutboxFailed
	}
	s.rows[id] = row
	delete(s.leased, id)
	return nil
}

// CleanupOlderThan implements domain.OutboxStore: dispatched rows older
// than age are dropped.
func (s *OutboxStore) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := s.clock().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, row := range s.rows {
		if row.Status == domain.OutboxDispatched && row.DispatchedAt != nil && row.DispatchedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Get returns a row by id; nil when absent.
func (s *OutboxStore) Get(_ context.Context, id string) (*domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	out := row
	return &out, nil
}

// InboxStore is the in-memory idempotent-consume log.
type InboxStore struct {
	mu    sync.Mutex
	rows  map[string]domain.InboxRecord
	clock domain.Clock
}

// NewInboxStore creates an InboxStore. A nil clock means time.Now.
func NewInboxStore(clock domain.Clock) *InboxStore {
	if clock == nil {
		clock = time.Now
	}
	return &InboxStore{rows: make(map[string]domain.InboxRecord), clock: clock}
}

// IsProcessed implements domain.InboxStore.
func (s *InboxStore) IsProcessed(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[messageID]
	return ok, nil
}

// MarkProcessed implements domain.InboxStore. The in-memory store has no
// transactions; tx is ignored.
func (s *InboxStore) MarkProcessed(_ context.Context, messageID string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[messageID] = domain.InboxRecord{MessageID: messageID, ProcessedAt: s.clock()}
	return nil
}
