package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// RevocationStore keeps revoke orders in process and fans them out to local
// subscribers. Fan-out is non-blocking: a subscriber that falls behind its
// buffer misses the live order but still sees it via List on startup.
type RevocationStore struct {
	mu    sync.Mutex
	rows  map[string]domain.RevocationRecord
	subs  map[chan domain.RevocationRecord]struct{}
	clock domain.Clock
}

// NewRevocationStore creates a RevocationStore. A nil clock means time.Now.
func NewRevocationStore(clock domain.Clock) *RevocationStore {
	if clock == nil {
		clock = time.Now
	}
	return &RevocationStore{
		rows:  make(map[string]domain.RevocationRecord),
		subs:  make(map[chan domain.RevocationRecord]struct{}),
		clock: clock,
	}
}

// Add implements domain.RevocationStore: upsert and fan out.
func (s *RevocationStore) Add(_ context.Context, rec domain.RevocationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	s.mu.Lock()
	s.rows[rec.TaskID] = rec
	for ch := range s.subs {
		select {
		case ch <- rec:
		default:
			slog.Warn("revocation subscriber buffer full, order dropped",
				slog.String("task_id", rec.TaskID))
		}
	}
	s.mu.Unlock()
	return nil
}

// Remove implements domain.RevocationStore.
func (s *RevocationStore) Remove(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, taskID)
	return nil
}

// List implements domain.RevocationStore.
func (s *RevocationStore) List(_ context.Context) ([]domain.RevocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RevocationRecord, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, rec)
	}
	return out, nil
}

// Subscribe implements domain.RevocationStore. The channel closes when ctx
// is cancelled.
func (s *RevocationStore) Subscribe(ctx context.Context) (<-chan domain.RevocationRecord, error) {
	ch := make(chan domain.RevocationRecord, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
