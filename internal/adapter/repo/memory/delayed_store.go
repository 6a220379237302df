package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

type delayedItem struct {
	msg   domain.DelayedMessage
	index int
}

type delayedHeap []*delayedItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	return h[i].msg.DeliveryTime.Before(h[j].msg.DeliveryTime)
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayedHeap) Push(x any) {
	item := x.(*delayedItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// DelayedStore is a heap-ordered scheduled-message store. A due row is
// removed under the lock before it is returned, so two dispatchers never
// observe the same row.
type DelayedStore struct {
	mu    sync.Mutex
	heap  delayedHeap
	byID  map[string]*delayedItem
	clock domain.Clock
}

// NewDelayedStore creates a DelayedStore. A nil clock means time.Now.
func NewDelayedStore(clock domain.Clock) *DelayedStore {
	if clock == nil {
		clock = time.Now
	}
	s := &DelayedStore{byID: make(map[string]*delayedItem), clock: clock}
	heap.Init(&s.heap)
	return s
}

// Add implements domain.DelayedStore; it replaces any existing row for the
// same task id.
func (s *DelayedStore) Add(_ context.Context, msg domain.TaskMessage, deliveryTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[msg.ID]; ok {
		heap.Remove(&s.heap, old.index)
	}
	item := &delayedItem{msg: domain.DelayedMessage{
		TaskID:       msg.ID,
		Message:      msg,
		DeliveryTime: deliveryTime,
	}}
	heap.Push(&s.heap, item)
	s.byID[msg.ID] = item
	return nil
}

// GetDueMessages implements domain.DelayedStore.
func (s *DelayedStore) GetDueMessages(_ context.Context, now time.Time) ([]domain.DelayedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.DelayedMessage
	for s.heap.Len() > 0 && !s.heap[0].msg.DeliveryTime.After(now) {
		item := heap.Pop(&s.heap).(*delayedItem)
		delete(s.byID, item.msg.TaskID)
		due = append(due, item.msg)
	}
	return due, nil
}

// NextDeliveryTime implements domain.DelayedStore.
func (s *DelayedStore) NextDeliveryTime(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Time{}, nil
	}
	return s.heap[0].msg.DeliveryTime, nil
}

// Remove implements domain.DelayedStore.
func (s *DelayedStore) Remove(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.byID[taskID]; ok {
		heap.Remove(&s.heap, item.index)
		delete(s.byID, taskID)
	}
	return nil
}

// PendingCount implements domain.DelayedStore.
func (s *DelayedStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len(), nil
}
