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

// ResultBackend persists task results in the task_results table. Terminal
// monotonicity is enforced in the upsert's WHERE clause; waiting is
// poll-based since plain Postgres has no push channel the backend relies on.
type ResultBackend struct {
	Pool         PgxPool
	Clock        domain.Clock
	PollInterval time.Duration
}

// NewResultBackend constructs a ResultBackend with the given pool.
func NewResultBackend(p PgxPool, clock domain.Clock, pollInterval time.Duration) *ResultBackend {
	if clock == nil {
		clock = time.Now
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &ResultBackend{Pool: p, Clock: clock, PollInterval: pollInterval}
}

const terminalStates = `('Success','Failure','Revoked','Rejected')`

// StoreResult implements domain.ResultBackend.
func (b *ResultBackend) StoreResult(ctx context.Context, result domain.TaskResult, expiry time.Duration) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.StoreResult")
	defer span.End()

	now := b.Clock().UTC()
	expiresAt := result.ExpiresAt
	if expiresAt == nil && expiry > 0 {
		t := now.Add(expiry)
		expiresAt = &t
	}
	exception, err := marshalNullable(result.Exception)
	if err != nil {
		return fmt.Errorf("op=results.store task_id=%s: %w", result.TaskID, err)
	}
	metadata, err := marshalNullable(result.Metadata)
	if err != nil {
		return fmt.Errorf("op=results.store task_id=%s: %w", result.TaskID, err)
	}
	q := `INSERT INTO task_results (task_id, state, result, content_type, exception, completed_at, duration_ms, retries, worker, metadata, expires_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	      ON CONFLICT (task_id) DO UPDATE SET
	          state=EXCLUDED.state, result=EXCLUDED.result, content_type=EXCLUDED.content_type,
	          exception=EXCLUDED.exception, completed_at=EXCLUDED.completed_at,
	          duration_ms=EXCLUDED.duration_ms, retries=EXCLUDED.retries,
	          worker=EXCLUDED.worker, metadata=EXCLUDED.metadata, expires_at=EXCLUDED.expires_at
	      WHERE NOT (task_results.state IN ` + terminalStates + ` AND EXCLUDED.state NOT IN ` + terminalStates + `)`
	_, err = b.Pool.Exec(ctx, q,
		result.TaskID, result.State, result.Result, result.ContentType, exception,
		result.CompletedAt.UTC(), result.DurationMs, result.Retries, result.Worker,
		metadata, expiresAt)
	if err != nil {
		return fmt.Errorf("op=results.store task_id=%s: %w", result.TaskID, err)
	}
	return nil
}

// GetResult implements domain.ResultBackend; nil when absent or expired.
func (b *ResultBackend) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.GetResult")
	defer span.End()

	q := `SELECT task_id, state, result, COALESCE(content_type,''), exception, completed_at, duration_ms, retries, COALESCE(worker,''), metadata, expires_at
	      FROM task_results WHERE task_id=$1 AND (expires_at IS NULL OR expires_at > $2)`
	row := b.Pool.QueryRow(ctx, q, taskID, b.Clock().UTC())
	var res domain.TaskResult
	var state string
	var exception, metadata []byte
	err := row.Scan(&res.TaskID, &state, &res.Result, &res.ContentType, &exception,
		&res.CompletedAt, &res.DurationMs, &res.Retries, &res.Worker, &metadata, &res.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=results.get task_id=%s: %w", taskID, err)
	}
	res.State = domain.ParseTaskState(state)
	if len(exception) > 0 {
		if err := json.Unmarshal(exception, &res.Exception); err != nil {
			return nil, fmt.Errorf("op=results.get task_id=%s: %w", taskID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &res.Metadata); err != nil {
			return nil, fmt.Errorf("op=results.get task_id=%s: %w", taskID, err)
		}
	}
	return &res, nil
}

// WaitForResult implements domain.ResultBackend by polling. Timeout
// surfaces domain.ErrTimeout, distinguishable from ctx cancellation.
func (b *ResultBackend) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		res, err := b.GetResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if res != nil && res.State.IsTerminal() {
			return res, nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return nil, domain.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// UpdateState implements domain.ResultBackend. CompletedAt is written on
// insert only; terminal states stay monotonic.
func (b *ResultBackend) UpdateState(ctx context.Context, taskID string, state domain.TaskState, metadata map[string]string) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.UpdateState")
	defer span.End()

	meta, err := marshalNullable(metadata)
	if err != nil {
		return fmt.Errorf("op=results.updateState task_id=%s: %w", taskID, err)
	}
	q := `INSERT INTO task_results (task_id, state, completed_at, metadata)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (task_id) DO UPDATE SET
	          state=EXCLUDED.state,
	          metadata=COALESCE(EXCLUDED.metadata, task_results.metadata)
	      WHERE NOT (task_results.state IN ` + terminalStates + ` AND EXCLUDED.state NOT IN ` + terminalStates + `)`
	if _, err := b.Pool.Exec(ctx, q, taskID, state, b.Clock().UTC(), meta); err != nil {
		return fmt.Errorf("op=results.updateState task_id=%s: %w", taskID, err)
	}
	return nil
}

// GetState implements domain.ResultBackend; empty when absent.
func (b *ResultBackend) GetState(ctx context.Context, taskID string) (domain.TaskState, error) {
	res, err := b.GetResult(ctx, taskID)
	if err != nil || res == nil {
		return "", err
	}
	return res.State, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *domain.ExceptionInfo:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
