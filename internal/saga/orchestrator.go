// Package saga drives orchestrated multi-step workflows with compensation.
// The orchestrator owns every saga and step state transition; the executor
// only reports task outcomes back to it.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/celerity/internal/client"
	"github.com/fairyhunter13/celerity/internal/domain"
)

// Orchestrator advances sagas step by step and rolls them back in strict
// reverse order when a step fails.
type Orchestrator struct {
	store  domain.SagaStore
	client *client.Client
	bus    domain.SignalBus
	clock  domain.Clock

	// AutoCompensateOnFailure starts compensation on a failed step; when
	// false the saga parks in Failed for manual intervention.
	autoCompensate bool
	// maxCompensationTries bounds retries per compensation step.
	maxCompensationTries int
}

// Config wires an Orchestrator.
type Config struct {
	Store                   domain.SagaStore
	Client                  *client.Client
	Bus                     domain.SignalBus
	Clock                   domain.Clock
	AutoCompensateOnFailure bool
	MaxCompensationTries    int
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxCompensationTries <= 0 {
		cfg.MaxCompensationTries = 3
	}
	return &Orchestrator{
		store:                cfg.Store,
		client:               cfg.Client,
		bus:                  cfg.Bus,
		clock:                cfg.Clock,
		autoCompensate:       cfg.AutoCompensateOnFailure,
		maxCompensationTries: cfg.MaxCompensationTries,
	}
}

// Start persists the saga and publishes its first step.
func (o *Orchestrator) Start(ctx context.Context, saga domain.Saga) error {
	if len(saga.Steps) == 0 {
		return fmt.Errorf("op=saga.start id=%s: saga has no steps", saga.ID)
	}
	if err := o.store.Create(ctx, saga); err != nil {
		return err
	}
	if err := o.store.UpdateState(ctx, saga.ID, domain.SagaExecuting, ""); err != nil {
		return err
	}
	o.signal(ctx, domain.SignalSagaStarted, saga.ID, saga.CorrelationID)
	return o.publishStep(ctx, saga.ID, saga.Steps[0])
}

// Cancel parks the saga in the terminal Cancelled state. Already-published
// step tasks run to completion but no further steps are released.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	return o.store.UpdateState(ctx, sagaID, domain.SagaCancelled, "cancelled")
}

// Resume re-drives a saga parked in Failed into compensation. Used for
// manual intervention when AutoCompensateOnFailure is off.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) error {
	saga, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if saga == nil {
		return fmt.Errorf("op=saga.resume id=%s: %w", sagaID, domain.ErrNotFound)
	}
	if saga.State != domain.SagaFailed {
		return fmt.Errorf("op=saga.resume id=%s state=%s: %w", sagaID, saga.State, domain.ErrConflict)
	}
	return o.startCompensation(ctx, saga)
}

// HandleTaskOutcome reports a terminal task result back to the saga that
// owns the task, if any. The executor calls this for every finished task; a
// task outside any saga is a no-op.
func (o *Orchestrator) HandleTaskOutcome(ctx context.Context, taskID string, result domain.TaskResult) error {
	sagaID, err := o.store.GetSagaIDForTask(ctx, taskID)
	if err != nil {
		return err
	}
	if sagaID == "" {
		return nil
	}
	saga, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if saga == nil || saga.State.IsTerminal() {
		return nil
	}

	step := stepForTask(saga, taskID)
	if step == nil {
		return nil
	}
	if step.CompensateTaskID == taskID {
		return o.onCompensateOutcome(ctx, saga, step, result)
	}
	return o.onExecuteOutcome(ctx, saga, step, result)
}

func (o *Orchestrator) onExecuteOutcome(ctx context.Context, saga *domain.Saga, step *domain.SagaStep, result domain.TaskResult) error {
	switch result.State {
	case domain.StateSuccess:
		if err := o.store.UpdateStepState(ctx, saga.ID, step.ID, domain.StepCompleted, "", "", result.Result, ""); err != nil {
			return err
		}
		next, err := o.store.AdvanceStep(ctx, saga.ID)
		if err != nil {
			return err
		}
		if next >= len(saga.Steps) {
			if err := o.store.UpdateState(ctx, saga.ID, domain.SagaCompleted, ""); err != nil {
				return err
			}
			o.signal(ctx, domain.SignalSagaCompleted, saga.ID, saga.CorrelationID)
			return nil
		}
		return o.publishStep(ctx, saga.ID, saga.Steps[next])
	case domain.StateRevoked:
		if err := o.store.UpdateStepState(ctx, saga.ID, step.ID, domain.StepSkipped, "", "", nil, "revoked"); err != nil {
			return err
		}
		return o.Cancel(ctx, saga.ID)
	default:
		reason := failureReason(result)
		if err := o.store.UpdateStepState(ctx, saga.ID, step.ID, domain.StepFailed, "", "", nil, reason); err != nil {
			return err
		}
		if !o.autoCompensate {
			if err := o.store.UpdateState(ctx, saga.ID, domain.SagaFailed, reason); err != nil {
				return err
			}
			o.signal(ctx, domain.SignalSagaFailed, saga.ID, saga.CorrelationID)
			return nil
		}
		saga.FailureReason = reason
		return o.startCompensation(ctx, saga)
	}
}

// startCompensation flips the saga into Compensating and releases the first
// compensation task. With nothing to compensate the saga lands directly in
// Compensated.
func (o *Orchestrator) startCompensation(ctx context.Context, saga *domain.Saga) error {
	if err := o.store.UpdateState(ctx, saga.ID, domain.SagaCompensating, saga.FailureReason); err != nil {
		return err
	}
	o.signal(ctx, domain.SignalSagaCompensating, saga.ID, saga.CorrelationID)

	fresh, err := o.store.Get(ctx, saga.ID)
	if err != nil {
		return err
	}
	return o.publishNextCompensation(ctx, fresh)
}

// publishNextCompensation releases the first step of the remaining
// compensation order, or completes the rollback when none remain.
func (o *Orchestrator) publishNextCompensation(ctx context.Context, saga *domain.Saga) error {
	pending := saga.CompensationOrder()
	if len(pending) == 0 {
		if err := o.store.UpdateState(ctx, saga.ID, domain.SagaCompensated, ""); err != nil {
			return err
		}
		o.signal(ctx, domain.SignalSagaCompleted, saga.ID, saga.CorrelationID)
		return nil
	}
	step := pending[0]
	sig := *step.Compensate
	ids, err := o.client.Submit(ctx, sig)
	if err != nil {
		return fmt.Errorf("op=saga.compensate id=%s step=%s: %w", saga.ID, step.ID, err)
	}
	return o.store.UpdateStepState(ctx, saga.ID, step.ID, domain.StepCompensating, "", ids[0], nil, "")
}

func (o *Orchestrator) onCompensateOutcome(ctx context.Context, saga *domain.Saga, step *domain.SagaStep, result domain.TaskResult) error {
	if result.State == domain.StateSuccess {
		if err := o.store.MarkStepCompensated(ctx, saga.ID, step.ID, true, ""); err != nil {
			return err
		}
		fresh, err := o.store.Get(ctx, saga.ID)
		if err != nil {
			return err
		}
		return o.publishNextCompensation(ctx, fresh)
	}

	reason := failureReason(result)
	if err := o.store.MarkStepCompensated(ctx, saga.ID, step.ID, false, reason); err != nil {
		return err
	}
	fresh, err := o.store.Get(ctx, saga.ID)
	if err != nil {
		return err
	}
	freshStep := fresh.StepByID(step.ID)
	if freshStep == nil {
		return fmt.Errorf("op=saga.compensateOutcome id=%s step=%s: %w", saga.ID, step.ID, domain.ErrNotFound)
	}
	if freshStep.CompensateTries >= o.maxCompensationTries {
		if err := o.store.UpdateStepState(ctx, saga.ID, step.ID, domain.StepCompensationFailed, "", "", nil, reason); err != nil {
			return err
		}
		if err := o.store.UpdateState(ctx, saga.ID, domain.SagaCompensationFailed, reason); err != nil {
			return err
		}
		o.signal(ctx, domain.SignalSagaFailed, saga.ID, saga.CorrelationID)
		return nil
	}

	slog.Warn("compensation step failed, retrying",
		slog.String("saga_id", saga.ID),
		slog.String("step_id", step.ID),
		slog.Int("tries", freshStep.CompensateTries))
	ids, err := o.client.Submit(ctx, *freshStep.Compensate)
	if err != nil {
		return fmt.Errorf("op=saga.compensateRetry id=%s step=%s: %w", saga.ID, step.ID, err)
	}
	return o.store.UpdateStepState(ctx, saga.ID, step.ID, domain.StepCompensating, "", ids[0], nil, "")
}

func (o *Orchestrator) publishStep(ctx context.Context, sagaID string, step domain.SagaStep) error {
	ids, err := o.client.Submit(ctx, step.Execute)
	if err != nil {
		return fmt.Errorf("op=saga.publishStep id=%s step=%s: %w", sagaID, step.ID, err)
	}
	return o.store.UpdateStepState(ctx, sagaID, step.ID, domain.StepExecuting, ids[0], "", nil, "")
}

func (o *Orchestrator) signal(ctx context.Context, t domain.SignalType, sagaID, correlationID string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, domain.Signal{
		Type:          t,
		SagaID:        sagaID,
		Timestamp:     o.clock(),
		CorrelationID: correlationID,
	})
}

func stepForTask(saga *domain.Saga, taskID string) *domain.SagaStep {
	for i := range saga.Steps {
		st := &saga.Steps[i]
		if st.ExecuteTaskID == taskID || st.CompensateTaskID == taskID {
			return st
		}
	}
	return nil
}

func failureReason(result domain.TaskResult) string {
	if result.Exception != nil {
		return result.Exception.Message
	}
	return string(result.State)
}
