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

// SagaStore persists sagas across the sagas and saga_steps tables. Step
// transitions are single-row updates; reads assemble the aggregate ordered by
// step_order.
type SagaStore struct {
	Pool  PgxPool
	Clock domain.Clock
}

// NewSagaStore constructs a SagaStore with the given pool.
func NewSagaStore(p PgxPool, clock domain.Clock) *SagaStore {
	if clock == nil {
		clock = time.Now
	}
	return &SagaStore{Pool: p, Clock: clock}
}

// Create implements domain.SagaStore. The saga row and all step rows are
// written in one transaction.
func (s *SagaStore) Create(ctx context.Context, saga domain.Saga) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Create")
	defer span.End()

	if saga.State == "" {
		saga.State = domain.SagaCreated
	}
	if saga.CreatedAt.IsZero() {
		saga.CreatedAt = s.Clock().UTC()
	}
	metadata, err := marshalNullable(saga.Metadata)
	if err != nil {
		return fmt.Errorf("op=sagas.create id=%s: %w", saga.ID, err)
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=sagas.create id=%s: %w", saga.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists int
	err = tx.QueryRow(ctx, `SELECT 1 FROM sagas WHERE id=$1`, saga.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("op=sagas.create id=%s: %w", saga.ID, domain.ErrConflict)
	}
	if err != pgx.ErrNoRows {
		return fmt.Errorf("op=sagas.create id=%s: %w", saga.ID, err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO sagas (id, name, state, current_step_index, created_at, correlation_id, metadata)
	                        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		saga.ID, saga.Name, saga.State, saga.CurrentStepIndex, saga.CreatedAt.UTC(), saga.CorrelationID, metadata)
	if err != nil {
		return fmt.Errorf("op=sagas.create id=%s: %w", saga.ID, err)
	}
	for _, step := range saga.Steps {
		if step.State == "" {
			step.State = domain.StepPending
		}
		execute, err := json.Marshal(step.Execute)
		if err != nil {
			return fmt.Errorf("op=sagas.create id=%s step=%s: %w", saga.ID, step.ID, err)
		}
		var compensate []byte
		if step.Compensate != nil {
			compensate, err = json.Marshal(step.Compensate)
			if err != nil {
				return fmt.Errorf("op=sagas.create id=%s step=%s: %w", saga.ID, step.ID, err)
			}
		}
		_, err = tx.Exec(ctx, `INSERT INTO saga_steps (id, saga_id, name, step_order, execute, compensate, state)
		                        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			step.ID, saga.ID, step.Name, step.Order, execute, compensate, step.State)
		if err != nil {
			return fmt.Errorf("op=sagas.create id=%s step=%s: %w", saga.ID, step.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=sagas.create id=%s: %w", saga.ID, err)
	}
	return nil
}

// Get implements domain.SagaStore; nil when absent.
func (s *SagaStore) Get(ctx context.Context, id string) (*domain.Saga, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Get")
	defer span.End()

	q := `SELECT id, name, state, current_step_index, created_at, started_at, completed_at,
	             COALESCE(failure_reason,''), COALESCE(correlation_id,''), metadata
	      FROM sagas WHERE id=$1`
	var saga domain.Saga
	var state string
	var metadata []byte
	err := s.Pool.QueryRow(ctx, q, id).Scan(&saga.ID, &saga.Name, &state, &saga.CurrentStepIndex,
		&saga.CreatedAt, &saga.StartedAt, &saga.CompletedAt, &saga.FailureReason,
		&saga.CorrelationID, &metadata)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=sagas.get id=%s: %w", id, err)
	}
	saga.State = domain.ParseSagaState(state)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &saga.Metadata); err != nil {
			return nil, fmt.Errorf("op=sagas.get id=%s: %w", id, err)
		}
	}
	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	saga.Steps = steps
	return &saga, nil
}

func (s *SagaStore) loadSteps(ctx context.Context, sagaID string) ([]domain.SagaStep, error) {
	q := `SELECT id, name, step_order, execute, compensate, state,
	             COALESCE(execute_task_id,''), COALESCE(compensate_task_id,''),
	             result, COALESCE(error,''), compensate_tries, started_at, completed_at
	      FROM saga_steps WHERE saga_id=$1 ORDER BY step_order ASC`
	rows, err := s.Pool.Query(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("op=sagas.loadSteps id=%s: %w", sagaID, err)
	}
	defer rows.Close()
	var steps []domain.SagaStep
	for rows.Next() {
		var step domain.SagaStep
		var state string
		var execute, compensate []byte
		if err := rows.Scan(&step.ID, &step.Name, &step.Order, &execute, &compensate, &state,
			&step.ExecuteTaskID, &step.CompensateTaskID, &step.Result, &step.Error,
			&step.CompensateTries, &step.StartedAt, &step.CompletedAt); err != nil {
			return steps, fmt.Errorf("op=sagas.loadSteps id=%s: %w", sagaID, err)
		}
		step.State = domain.ParseStepState(state)
		if err := json.Unmarshal(execute, &step.Execute); err != nil {
			return steps, fmt.Errorf("op=sagas.loadSteps id=%s step=%s: %w", sagaID, step.ID, err)
		}
		if len(compensate) > 0 {
			step.Compensate = &domain.Signature{}
			if err := json.Unmarshal(compensate, step.Compensate); err != nil {
				return steps, fmt.Errorf("op=sagas.loadSteps id=%s step=%s: %w", sagaID, step.ID, err)
			}
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return steps, fmt.Errorf("op=sagas.loadSteps id=%s: %w", sagaID, err)
	}
	return steps, nil
}

// UpdateState implements domain.SagaStore. StartedAt is stamped on the first
// transition to Executing, CompletedAt when the state turns terminal.
func (s *SagaStore) UpdateState(ctx context.Context, id string, state domain.SagaState, reason string) error {
	now := s.Clock().UTC()
	q := `UPDATE sagas SET state=$2,
	          started_at=CASE WHEN $2='Executing' AND started_at IS NULL THEN $3 ELSE started_at END,
	          completed_at=CASE WHEN $4 THEN $3 ELSE completed_at END,
	          failure_reason=CASE WHEN $5 <> '' THEN $5 ELSE failure_reason END
	      WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q, id, state, now, state.IsTerminal(), reason)
	if err != nil {
		return fmt.Errorf("op=sagas.updateState id=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=sagas.updateState id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateStepState implements domain.SagaStore. Task ids, result and error are
// only written when non-empty, so later transitions keep earlier values.
func (s *SagaStore) UpdateStepState(ctx context.Context, id, stepID string, state domain.StepState, executeTaskID, compensateTaskID string, result []byte, stepErr string) error {
	now := s.Clock().UTC()
	completed := state == domain.StepCompleted || state == domain.StepFailed ||
		state == domain.StepCompensated || state == domain.StepCompensationFailed ||
		state == domain.StepSkipped
	q := `UPDATE saga_steps SET state=$3,
	          execute_task_id=CASE WHEN $4 <> '' THEN $4 ELSE execute_task_id END,
	          compensate_task_id=CASE WHEN $5 <> '' THEN $5 ELSE compensate_task_id END,
	          result=CASE WHEN $6::bytea IS NOT NULL THEN $6 ELSE result END,
	          error=CASE WHEN $7 <> '' THEN $7 ELSE error END,
	          started_at=CASE WHEN $3='Executing' AND started_at IS NULL THEN $8 ELSE started_at END,
	          completed_at=CASE WHEN $9 THEN $8 ELSE completed_at END
	      WHERE saga_id=$1 AND id=$2`
	tag, err := s.Pool.Exec(ctx, q, id, stepID, state, executeTaskID, compensateTaskID, result, stepErr, now, completed)
	if err != nil {
		return fmt.Errorf("op=sagas.updateStepState id=%s step=%s: %w", id, stepID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=sagas.updateStepState id=%s step=%s: %w", id, stepID, domain.ErrNotFound)
	}
	return nil
}

// MarkStepCompensated implements domain.SagaStore. On failure the attempt
// counter advances and the state is left for the orchestrator to decide.
func (s *SagaStore) MarkStepCompensated(ctx context.Context, id, stepID string, success bool, stepErr string) error {
	now := s.Clock().UTC()
	var q string
	var args []any
	if success {
		q = `UPDATE saga_steps SET state=$3, completed_at=$4 WHERE saga_id=$1 AND id=$2`
		args = []any{id, stepID, domain.StepCompensated, now}
	} else {
		q = `UPDATE saga_steps SET compensate_tries=compensate_tries+1,
		         error=CASE WHEN $3 <> '' THEN $3 ELSE error END
		     WHERE saga_id=$1 AND id=$2`
		args = []any{id, stepID, stepErr}
	}
	tag, err := s.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=sagas.markStepCompensated id=%s step=%s: %w", id, stepID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=sagas.markStepCompensated id=%s step=%s: %w", id, stepID, domain.ErrNotFound)
	}
	return nil
}

// AdvanceStep implements domain.SagaStore.
func (s *SagaStore) AdvanceStep(ctx context.Context, id string) (int, error) {
	var idx int
	q := `UPDATE sagas SET current_step_index=current_step_index+1 WHERE id=$1 RETURNING current_step_index`
	err := s.Pool.QueryRow(ctx, q, id).Scan(&idx)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("op=sagas.advanceStep id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("op=sagas.advanceStep id=%s: %w", id, err)
	}
	return idx, nil
}

// Delete implements domain.SagaStore. Steps go with the saga via the FK.
func (s *SagaStore) Delete(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM sagas WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=sagas.delete id=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=sagas.delete id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetSagaIDForTask implements domain.SagaStore; empty when no step references
// the task id.
func (s *SagaStore) GetSagaIDForTask(ctx context.Context, taskID string) (string, error) {
	var sagaID string
	q := `SELECT saga_id FROM saga_steps WHERE execute_task_id=$1 OR compensate_task_id=$1 LIMIT 1`
	err := s.Pool.QueryRow(ctx, q, taskID).Scan(&sagaID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=sagas.getSagaIDForTask task_id=%s: %w", taskID, err)
	}
	return sagaID, nil
}

// GetByState implements domain.SagaStore.
func (s *SagaStore) GetByState(ctx context.Context, state domain.SagaState, limit int) ([]domain.Saga, error) {
	q := `SELECT id FROM sagas WHERE state=$1 ORDER BY created_at ASC LIMIT $2`
	rows, err := s.Pool.Query(ctx, q, state, limit)
	if err != nil {
		return nil, fmt.Errorf("op=sagas.getByState state=%s: %w", state, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=sagas.getByState state=%s: %w", state, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=sagas.getByState state=%s: %w", state, err)
	}
	var out []domain.Saga
	for _, id := range ids {
		saga, err := s.Get(ctx, id)
		if err != nil {
			return out, err
		}
		if saga != nil {
			out = append(out, *saga)
		}
	}
	return out, nil
}
