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

// claimLease is how long a pending row handed to one relay stays invisible
// to concurrent readers.
const claimLease = 30 * time.Second

// OutboxStore persists publish intents. Sequence numbers come from a
// BIGSERIAL; GetPending claims rows with SKIP LOCKED plus a lease column so
// two relays never share a row.
type OutboxStore struct {
	Pool  PgxPool
	Clock domain.Clock
}

// NewOutboxStore constructs an OutboxStore with the given pool.
func NewOutboxStore(p PgxPool, clock domain.Clock) *OutboxStore {
	if clock == nil {
		clock = time.Now
	}
	return &OutboxStore{Pool: p, Clock: clock}
}

// Store implements domain.OutboxStore.
func (s *OutboxStore) Store(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Store")
	defer span.End()

	if msg.Status == "" {
		msg.Status = domain.OutboxPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.Clock().UTC()
	}
	payload, err := json.Marshal(msg.Message)
	if err != nil {
		return msg, fmt.Errorf("op=outbox.store id=%s: %w", msg.ID, err)
	}
	q := `INSERT INTO outbox (id, message, status, attempts, last_error, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6) RETURNING sequence_number`
	err = s.Pool.QueryRow(ctx, q, msg.ID, payload, msg.Status, msg.Attempts, msg.LastError, msg.CreatedAt.UTC()).
		Scan(&msg.SequenceNumber)
	if err != nil {
		return msg, fmt.Errorf("op=outbox.store id=%s: %w", msg.ID, err)
	}
	return msg, nil
}

// GetPending implements domain.OutboxStore: claim pending rows in sequence
// order, skipping rows another relay holds.
func (s *OutboxStore) GetPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.GetPending")
	defer span.End()

	now := s.Clock().UTC()
	q := `UPDATE outbox SET claimed_at=$1
	      WHERE id IN (
	          SELECT id FROM outbox
	          WHERE status='Pending' AND (claimed_at IS NULL OR claimed_at < $2)
	          ORDER BY sequence_number ASC
	          LIMIT $3
	          FOR UPDATE SKIP LOCKED)
	      RETURNING id, message, status, attempts, COALESCE(last_error,''), created_at, dispatched_at, sequence_number`
	rows, err := s.Pool.Query(ctx, q, now, now.Add(-claimLease), limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.getPending: %w", err)
	}
	defer rows.Close()
	var out []domain.OutboxMessage
	for rows.Next() {
		var row domain.OutboxMessage
		var status string
		var payload []byte
		if err := rows.Scan(&row.ID, &payload, &status, &row.Attempts, &row.LastError,
			&row.CreatedAt, &row.DispatchedAt, &row.SequenceNumber); err != nil {
			return out, fmt.Errorf("op=outbox.getPending: %w", err)
		}
		row.Status = domain.OutboxStatus(status)
		if err := json.Unmarshal(payload, &row.Message); err != nil {
			return out, fmt.Errorf("op=outbox.getPending id=%s: %w", row.ID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("op=outbox.getPending: %w", err)
	}
	return out, nil
}

// MarkDispatched implements domain.OutboxStore.
func (s *OutboxStore) MarkDispatched(ctx context.Context, id string) error {
	q := `UPDATE outbox SET status='Dispatched', dispatched_at=$2, claimed_at=NULL WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q, id, s.Clock().UTC())
	if err != nil {
		return fmt.Errorf("op=outbox.markDispatched id=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.markDispatched id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkFailed implements domain.OutboxStore. The row sticks in Failed at
// OutboxMaxAttempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, cause string) error {
	q := `UPDATE outbox SET attempts=attempts+1, last_error=$2, claimed_at=NULL,
	          status=CASE WHEN attempts+1 >= $3 THEN 'Failed' ELSE status END
	      WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q, id, cause, domain.OutboxMaxAttempts)
	if err != nil {
		return fmt.Errorf("op=outbox.markFailed id=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.markFailed id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CleanupOlderThan implements domain.OutboxStore.
func (s *OutboxStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.Clock().UTC().Add(-age)
	tag, err := s.Pool.Exec(ctx, `DELETE FROM outbox WHERE status='Dispatched' AND dispatched_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InboxStore is the idempotent-consume log over the inbox table.
type InboxStore struct {
	Pool  PgxPool
	Clock domain.Clock
}

// NewInboxStore constructs an InboxStore with the given pool.
func NewInboxStore(p PgxPool, clock domain.Clock) *InboxStore {
	if clock == nil {
		clock = time.Now
	}
	return &InboxStore{Pool: p, Clock: clock}
}

// IsProcessed implements domain.InboxStore.
func (s *InboxStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.Pool.QueryRow(ctx, `SELECT 1 FROM inbox WHERE message_id=$1`, messageID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=inbox.isProcessed message_id=%s: %w", messageID, err)
	}
	return true, nil
}

// MarkProcessed implements domain.InboxStore. When tx carries a pgx.Tx the
// mark joins that transaction, making it atomic with the caller's effect.
func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string, tx any) error {
	q := `INSERT INTO inbox (message_id, processed_at) VALUES ($1,$2) ON CONFLICT (message_id) DO NOTHING`
	now := s.Clock().UTC()
	if pgxTx, ok := tx.(pgx.Tx); ok && pgxTx != nil {
		if _, err := pgxTx.Exec(ctx, q, messageID, now); err != nil {
			return fmt.Errorf("op=inbox.markProcessed message_id=%s: %w", messageID, err)
		}
		return nil
	}
	if _, err := s.Pool.Exec(ctx, q, messageID, now); err != nil {
		return fmt.Errorf("op=inbox.markProcessed message_id=%s: %w", messageID, err)
	}
	return nil
}
