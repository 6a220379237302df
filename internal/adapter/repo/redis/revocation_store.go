package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/celerity/internal/domain"
)

const (
	revocationHashKey = "celerity:revocations"
	revocationChannel = "celerity:revocations:events"
)

// RevocationStore keeps revoke orders in a hash and fans them out over
// pub/sub so every worker's revocation manager sees new orders immediately.
type RevocationStore struct {
	redis *redis.Client
	Clock domain.Clock
}

// NewRevocationStore constructs a RevocationStore over the given client.
func NewRevocationStore(rdb *redis.Client, clock domain.Clock) *RevocationStore {
	if clock == nil {
		clock = time.Now
	}
	return &RevocationStore{redis: rdb, Clock: clock}
}

// Add implements domain.RevocationStore: upsert and publish.
func (s *RevocationStore) Add(ctx context.Context, rec domain.RevocationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.Clock().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=revocations.add task_id=%s: %w", rec.TaskID, err)
	}
	if err := s.redis.HSet(ctx, revocationHashKey, rec.TaskID, payload).Err(); err != nil {
		return fmt.Errorf("op=revocations.add task_id=%s: %w", rec.TaskID, err)
	}
	if err := s.redis.Publish(ctx, revocationChannel, payload).Err(); err != nil {
		return fmt.Errorf("op=revocations.add task_id=%s: %w", rec.TaskID, err)
	}
	return nil
}

// Remove implements domain.RevocationStore.
func (s *RevocationStore) Remove(ctx context.Context, taskID string) error {
	if err := s.redis.HDel(ctx, revocationHashKey, taskID).Err(); err != nil {
		return fmt.Errorf("op=revocations.remove task_id=%s: %w", taskID, err)
	}
	return nil
}

// List implements domain.RevocationStore.
func (s *RevocationStore) List(ctx context.Context) ([]domain.RevocationRecord, error) {
	rows, err := s.redis.HGetAll(ctx, revocationHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=revocations.list: %w", err)
	}
	out := make([]domain.RevocationRecord, 0, len(rows))
	for taskID, raw := range rows {
		var rec domain.RevocationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			slog.Warn("dropping undecodable revocation record", slog.String("task_id", taskID), slog.Any("error", err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Subscribe implements domain.RevocationStore. The returned channel closes
// with ctx.
func (s *RevocationStore) Subscribe(ctx context.Context) (<-chan domain.RevocationRecord, error) {
	sub := s.redis.Subscribe(ctx, revocationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("op=revocations.subscribe: %w", err)
	}
	out := make(chan domain.RevocationRecord, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec domain.RevocationRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					slog.Warn("dropping undecodable revocation event", slog.Any("error", err))
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
