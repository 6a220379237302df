package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// SagaStore keeps sagas and their step transitions in process. Sagas are
// deep-copied on the way in and out so callers never alias store state.
type SagaStore struct {
	mu    sync.Mutex
	sagas map[string]*domain.Saga
	clock domain.Clock
}

// NewSagaStore creates a SagaStore. A nil clock means time.Now.
func NewSagaStore(clock domain.Clock) *SagaStore {
	if clock == nil {
		clock = time.Now
	}
	return &SagaStore{sagas: make(map[string]*domain.Saga), clock: clock}
}

// Create implements domain.SagaStore.
func (s *SagaStore) Create(_ context.Context, saga domain.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[saga.ID]; ok {
		return fmt.Errorf("op=saga.create id=%s: %w", saga.ID, domain.ErrConflict)
	}
	if saga.State == "" {
		saga.State = domain.SagaCreated
	}
	if saga.CreatedAt.IsZero() {
		saga.CreatedAt = s.clock()
	}
	s.sagas[saga.ID] = copySaga(&saga)
	return nil
}

// Get implements domain.SagaStore; nil when absent.
func (s *SagaStore) Get(_ context.Context, id string) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[id]
	if !ok {
		return nil, nil
	}
	return copySaga(saga), nil
}

// UpdateState implements domain.SagaStore. StartedAt is stamped on the first
// transition to Executing, CompletedAt on any terminal transition.
func (s *SagaStore) UpdateState(_ context.Context, id string, state domain.SagaState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[id]
	if !ok {
		return fmt.Errorf("op=saga.updateState id=%s: %w", id, domain.ErrNotFound)
	}
	now := s.clock()
	saga.State = state
	if reason != "" {
		saga.FailureReason = reason
	}
	if state == domain.SagaExecuting && saga.StartedAt == nil {
		t := now
		saga.StartedAt = &t
	}
	if state.IsTerminal() && saga.CompletedAt == nil {
		t := now
		saga.CompletedAt = &t
	}
	return nil
}

// UpdateStepState implements domain.SagaStore. Task ids and result are only
// written when non-empty; StartedAt/CompletedAt stamp the Executing and
// terminal step transitions.
func (s *SagaStore) UpdateStepState(_ context.Context, id, stepID string, state domain.StepState, executeTaskID, compensateTaskID string, result []byte, stepErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[id]
	if !ok {
		return fmt.Errorf("op=saga.updateStepState id=%s: %w", id, domain.ErrNotFound)
	}
	step := saga.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("op=saga.updateStepState id=%s step=%s: %w", id, stepID, domain.ErrNotFound)
	}
	now := s.clock()
	step.State = state
	if executeTaskID != "" {
		step.ExecuteTaskID = executeTaskID
	}
	if compensateTaskID != "" {
		step.CompensateTaskID = compensateTaskID
	}
	if result != nil {
		step.Result = append([]byte(nil), result...)
	}
	if stepErr != "" {
		step.Error = stepErr
	}
	if state == domain.StepExecuting && step.StartedAt == nil {
		t := now
		step.StartedAt = &t
	}
	switch state {
	case domain.StepCompleted, domain.StepFailed, domain.StepCompensated,
		domain.StepCompensationFailed, domain.StepSkipped:
		if step.CompletedAt == nil {
			t := now
			step.CompletedAt = &t
		}
	}
	return nil
}

// MarkStepCompensated implements domain.SagaStore. A failed compensation
// increments the step's retry counter and leaves the state for the
// orchestrator to decide.
func (s *SagaStore) MarkStepCompensated(_ context.Context, id, stepID string, success bool, stepErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[id]
	if !ok {
		return fmt.Errorf("op=saga.markStepCompensated id=%s: %w", id, domain.ErrNotFound)
	}
	step := saga.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("op=saga.markStepCompensated id=%s step=%s: %w", id, stepID, domain.ErrNotFound)
	}
	if success {
		step.State = domain.StepCompensated
		return nil
	}
	step.CompensateTries++
	if stepErr != "" {
		step.Error = stepErr
	}
	return nil
}

// AdvanceStep implements domain.SagaStore.
func (s *SagaStore) AdvanceStep(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[id]
	if !ok {
		return 0, fmt.Errorf("op=saga.advanceStep id=%s: %w", id, domain.ErrNotFound)
	}
	saga.CurrentStepIndex++
	return saga.CurrentStepIndex, nil
}

// Delete implements domain.SagaStore.
func (s *SagaStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sagas, id)
	return nil
}

// GetSagaIDForTask implements domain.SagaStore; empty when no saga owns the
// task id.
func (s *SagaStore) GetSagaIDForTask(_ context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, saga := range s.sagas {
		for i := range saga.Steps {
			st := &saga.Steps[i]
			if st.ExecuteTaskID == taskID || st.CompensateTaskID == taskID {
				return id, nil
			}
		}
	}
	return "", nil
}

// GetByState implements domain.SagaStore.
func (s *SagaStore) GetByState(_ context.Context, state domain.SagaState, limit int) ([]domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Saga
	for _, saga := range s.sagas {
		if saga.State != state {
			continue
		}
		out = append(out, *copySaga(saga))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func copySaga(in *domain.Saga) *domain.Saga {
	out := *in
	out.Steps = make([]domain.SagaStep, len(in.Steps))
	copy(out.Steps, in.Steps)
	for i := range out.Steps {
		if c := out.Steps[i].Compensate; c != nil {
			cc := *c
			out.Steps[i].Compensate = &cc
		}
	}
	if in.Metadata != nil {
		out.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
