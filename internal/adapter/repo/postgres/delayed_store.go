package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// DelayedStore persists scheduled messages. The due sweep is a single
// DELETE ... RETURNING, so a row read by one dispatcher is never seen by
// another.
type DelayedStore struct{ Pool PgxPool }

// NewDelayedStore constructs a DelayedStore with the given pool.
func NewDelayedStore(p PgxPool) *DelayedStore { return &DelayedStore{Pool: p} }

// Add implements domain.DelayedStore: upsert by task id.
func (s *DelayedStore) Add(ctx context.Context, msg domain.TaskMessage, deliveryTime time.Time) error {
	tracer := otel.Tracer("repo.delayed")
	ctx, span := tracer.Start(ctx, "delayed.Add")
	defer span.End()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=delayed.add task_id=%s: %w", msg.ID, err)
	}
	q := `INSERT INTO delayed_messages (task_id, message, delivery_time) VALUES ($1,$2,$3)
	      ON CONFLICT (task_id) DO UPDATE SET message=EXCLUDED.message, delivery_time=EXCLUDED.delivery_time`
	if _, err := s.Pool.Exec(ctx, q, msg.ID, payload, deliveryTime.UTC()); err != nil {
		return fmt.Errorf("op=delayed.add task_id=%s: %w", msg.ID, err)
	}
	return nil
}

// GetDueMessages implements domain.DelayedStore.
func (s *DelayedStore) GetDueMessages(ctx context.Context, now time.Time) ([]domain.DelayedMessage, error) {
	tracer := otel.Tracer("repo.delayed")
	ctx, span := tracer.Start(ctx, "delayed.GetDueMessages")
	defer span.End()

	q := `DELETE FROM delayed_messages WHERE delivery_time <= $1 RETURNING task_id, message, delivery_time`
	rows, err := s.Pool.Query(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=delayed.getDue: %w", err)
	}
	defer rows.Close()
	var due []domain.DelayedMessage
	for rows.Next() {
		var d domain.DelayedMessage
		var payload []byte
		if err := rows.Scan(&d.TaskID, &payload, &d.DeliveryTime); err != nil {
			return due, fmt.Errorf("op=delayed.getDue: %w", err)
		}
		if err := json.Unmarshal(payload, &d.Message); err != nil {
			return due, fmt.Errorf("op=delayed.getDue task_id=%s: %w", d.TaskID, err)
		}
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return due, fmt.Errorf("op=delayed.getDue: %w", err)
	}
	return due, nil
}

// NextDeliveryTime implements domain.DelayedStore; zero when empty.
func (s *DelayedStore) NextDeliveryTime(ctx context.Context) (time.Time, error) {
	q := `SELECT delivery_time FROM delayed_messages ORDER BY delivery_time ASC LIMIT 1`
	var next time.Time
	err := s.Pool.QueryRow(ctx, q).Scan(&next)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("op=delayed.next: %w", err)
	}
	return next, nil
}

// Remove implements domain.DelayedStore.
func (s *DelayedStore) Remove(ctx context.Context, taskID string) error {
	if _, err := s.Pool.Exec(ctx, `DELETE FROM delayed_messages WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("op=delayed.remove task_id=%s: %w", taskID, err)
	}
	return nil
}

// PendingCount implements domain.DelayedStore.
func (s *DelayedStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM delayed_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=delayed.count: %w", err)
	}
	return n, nil
}
