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

// DeadLetterStore archives terminally failed messages in the dead_letters
// table.
type DeadLetterStore struct {
	Pool  PgxPool
	Clock domain.Clock
}

// NewDeadLetterStore constructs a DeadLetterStore with the given pool.
func NewDeadLetterStore(p PgxPool, clock domain.Clock) *DeadLetterStore {
	if clock == nil {
		clock = time.Now
	}
	return &DeadLetterStore{Pool: p, Clock: clock}
}

const dlqColumns = `id, task_id, task_name, queue, reason, original_message, exception, retry_count, timestamp, expires_at, COALESCE(worker,'')`

// Store implements domain.DeadLetterStore: upsert by id.
func (s *DeadLetterStore) Store(ctx context.Context, msg domain.DeadLetterMessage) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Store")
	defer span.End()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.Clock().UTC()
	}
	exception, err := marshalNullable(msg.Exception)
	if err != nil {
		return fmt.Errorf("op=dlq.store id=%s: %w", msg.ID, err)
	}
	q := `INSERT INTO dead_letters (id, task_id, task_name, queue, reason, original_message, exception, retry_count, timestamp, expires_at, worker)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	      ON CONFLICT (id) DO UPDATE SET
	          reason=EXCLUDED.reason, original_message=EXCLUDED.original_message,
	          exception=EXCLUDED.exception, retry_count=EXCLUDED.retry_count,
	          timestamp=EXCLUDED.timestamp, expires_at=EXCLUDED.expires_at, worker=EXCLUDED.worker`
	_, err = s.Pool.Exec(ctx, q, msg.ID, msg.TaskID, msg.TaskName, msg.Queue, msg.Reason,
		msg.OriginalMessage, exception, msg.RetryCount, msg.Timestamp.UTC(), msg.ExpiresAt, msg.Worker)
	if err != nil {
		return fmt.Errorf("op=dlq.store id=%s: %w", msg.ID, err)
	}
	return nil
}

// GetAll implements domain.DeadLetterStore: non-expired rows, newest first.
func (s *DeadLetterStore) GetAll(ctx context.Context, limit, offset int) ([]domain.DeadLetterMessage, error) {
	q := `SELECT ` + dlqColumns + ` FROM dead_letters
	      WHERE expires_at IS NULL OR expires_at > $1
	      ORDER BY timestamp DESC LIMIT $2 OFFSET $3`
	rows, err := s.Pool.Query(ctx, q, s.Clock().UTC(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.getAll: %w", err)
	}
	defer rows.Close()
	var out []domain.DeadLetterMessage
	for rows.Next() {
		msg, err := scanDeadLetter(rows)
		if err != nil {
			return out, fmt.Errorf("op=dlq.getAll: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("op=dlq.getAll: %w", err)
	}
	return out, nil
}

// Get implements domain.DeadLetterStore; nil when absent or expired.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (*domain.DeadLetterMessage, error) {
	q := `SELECT ` + dlqColumns + ` FROM dead_letters
	      WHERE id=$1 AND (expires_at IS NULL OR expires_at > $2)`
	row := s.Pool.QueryRow(ctx, q, id, s.Clock().UTC())
	msg, err := scanDeadLetter(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=dlq.get id=%s: %w", id, err)
	}
	return &msg, nil
}

// Requeue implements domain.DeadLetterStore: remove the row and return it for
// the caller to republish.
func (s *DeadLetterStore) Requeue(ctx context.Context, id string) (*domain.DeadLetterMessage, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Requeue")
	defer span.End()

	q := `DELETE FROM dead_letters WHERE id=$1 RETURNING ` + dlqColumns
	row := s.Pool.QueryRow(ctx, q, id)
	msg, err := scanDeadLetter(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("op=dlq.requeue id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=dlq.requeue id=%s: %w", id, err)
	}
	return &msg, nil
}

// Delete implements domain.DeadLetterStore.
func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM dead_letters WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=dlq.delete id=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.delete id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Purge implements domain.DeadLetterStore.
func (s *DeadLetterStore) Purge(ctx context.Context) (int, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("op=dlq.purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CleanupExpired implements domain.DeadLetterStore.
func (s *DeadLetterStore) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM dead_letters WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.Clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=dlq.cleanupExpired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetCount implements domain.DeadLetterStore.
func (s *DeadLetterStore) GetCount(ctx context.Context) (int, error) {
	var n int
	q := `SELECT COUNT(*) FROM dead_letters WHERE expires_at IS NULL OR expires_at > $1`
	if err := s.Pool.QueryRow(ctx, q, s.Clock().UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dlq.count: %w", err)
	}
	return n, nil
}

func scanDeadLetter(row pgx.Row) (domain.DeadLetterMessage, error) {
	var msg domain.DeadLetterMessage
	var reason string
	var exception []byte
	err := row.Scan(&msg.ID, &msg.TaskID, &msg.TaskName, &msg.Queue, &reason,
		&msg.OriginalMessage, &exception, &msg.RetryCount, &msg.Timestamp,
		&msg.ExpiresAt, &msg.Worker)
	if err != nil {
		return msg, err
	}
	msg.Reason = domain.ParseDeadLetterReason(reason)
	if len(exception) > 0 {
		if err := json.Unmarshal(exception, &msg.Exception); err != nil {
			return msg, err
		}
	}
	return msg, nil
}
