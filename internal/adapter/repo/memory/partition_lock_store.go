package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// PartitionLockStore grants exclusive leases per partition key. All
// transitions happen under one mutex, which serializes takeover of expired
// leases the way a conditional upsert would.
type PartitionLockStore struct {
	mu    sync.Mutex
	locks map[string]domain.PartitionLock
	clock domain.Clock
}

// NewPartitionLockStore creates a PartitionLockStore. A nil clock means
// time.Now.
func NewPartitionLockStore(clock domain.Clock) *PartitionLockStore {
	if clock == nil {
		clock = time.Now
	}
	return &PartitionLockStore{locks: make(map[string]domain.PartitionLock), clock: clock}
}

// TryAcquire implements domain.PartitionLockStore: insert if absent, update
// if expired or already held by the same task, otherwise reject.
func (s *PartitionLockStore) TryAcquire(_ context.Context, partitionKey, taskID string, ttl time.Duration) (bool, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[partitionKey]; ok {
		if lock.ExpiresAt.After(now) && lock.TaskID != taskID {
			return false, nil
		}
	}
	s.locks[partitionKey] = domain.PartitionLock{
		PartitionKey: partitionKey,
		TaskID:       taskID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	}
	return true, nil
}

// Release implements domain.PartitionLockStore; only the holder releases.
func (s *PartitionLockStore) Release(_ context.Context, partitionKey, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[partitionKey]; ok && lock.TaskID == taskID {
		delete(s.locks, partitionKey)
	}
	return nil
}

// IsLocked implements domain.PartitionLockStore.
func (s *PartitionLockStore) IsLocked(_ context.Context, partitionKey string) (bool, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[partitionKey]
	return ok && lock.ExpiresAt.After(now), nil
}

// GetLockHolder implements domain.PartitionLockStore; empty when unheld.
func (s *PartitionLockStore) GetLockHolder(_ context.Context, partitionKey string) (string, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[partitionKey]
	if !ok || !lock.ExpiresAt.After(now) {
		return "", nil
	}
	return lock.TaskID, nil
}

// Extend implements domain.PartitionLockStore; only the holder extends.
func (s *PartitionLockStore) Extend(_ context.Context, partitionKey, taskID string, ttl time.Duration) (bool, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[partitionKey]
	if !ok || lock.TaskID != taskID || !lock.ExpiresAt.After(now) {
		return false, nil
	}
	lock.ExpiresAt = now.Add(ttl)
	s.locks[partitionKey] = lock
	return true, nil
}
