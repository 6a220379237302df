package domain

import "time"

// SagaState enumerates saga lifecycle states.
//
//	Created → Executing → {Completed | Failed → Compensating →
//	    {Compensated | CompensationFailed}}
//	Any → Cancelled (terminal)
type SagaState string

const (
	SagaCreated            SagaState = "Created"
	SagaExecuting          SagaState = "Executing"
	SagaCompensating       SagaState = "Compensating"
	SagaCompleted          SagaState = "Completed"
	SagaFailed             SagaState = "Failed"
	SagaCompensated        SagaState = "Compensated"
	SagaCompensationFailed SagaState = "CompensationFailed"
	SagaCancelled          SagaState = "Cancelled"
)

// IsTerminal reports whether the saga state is final.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaCompensationFailed, SagaCancelled:
		return true
	}
	return false
}

// ParseSagaState maps a wire string to a SagaState, falling back to
// SagaCreated for unknown values.
func ParseSagaState(s string) SagaState {
	switch SagaState(s) {
	case SagaCreated, SagaExecuting, SagaCompensating, SagaCompleted,
		SagaFailed, SagaCompensated, SagaCompensationFailed, SagaCancelled:
		return SagaState(s)
	}
	return SagaCreated
}

// StepState enumerates saga step states.
type StepState string

const (
	StepPending            StepState = "Pending"
	StepExecuting          StepState = "Executing"
	StepCompleted          StepState = "Completed"
	StepFailed             StepState = "Failed"
	StepCompensating       StepState = "Compensating"
	StepCompensated        StepState = "Compensated"
	StepCompensationFailed StepState = "CompensationFailed"
	StepSkipped            StepState = "Skipped"
)

// ParseStepState maps a wire string to a StepState, falling back to
// StepPending for unknown values.
func ParseStepState(s string) StepState {
	switch StepState(s) {
	case StepPending, StepExecuting, StepCompleted, StepFailed,
		StepCompensating, StepCompensated, StepCompensationFailed,
		StepSkipped:
		return StepState(s)
	}
	return StepPending
}

// SagaStep is one unit of a saga: an execute signature and an optional
// compensation signature run during rollback.
type SagaStep struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Order            int        `json:"order"`
	Execute          Signature  `json:"execute"`
	Compensate       *Signature `json:"compensate,omitempty"`
	State            StepState  `json:"state"`
	ExecuteTaskID    string     `json:"executeTaskId,omitempty"`
	CompensateTaskID string     `json:"compensateTaskId,omitempty"`
	Result           []byte     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	CompensateTries  int        `json:"compensateTries,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Saga is an orchestrated composition of compensable steps. Compensation
// proceeds in strict reverse Order over completed steps that carry a
// compensation signature.
type Saga struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	State            SagaState         `json:"state"`
	Steps            []SagaStep        `json:"steps"`
	CurrentStepIndex int               `json:"currentStepIndex"`
	CreatedAt        time.Time         `json:"createdAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// CompensationOrder returns the steps to compensate, in strict reverse
// order: completed steps that carry a compensation signature.
func (s *Saga) CompensationOrder() []SagaStep {
	var out []SagaStep
	for i := len(s.Steps) - 1; i >= 0; i-- {
		st := s.Steps[i]
		if st.State == StepCompleted && st.Compensate != nil {
			out = append(out, st)
		}
	}
	return out
}

// StepByID returns a pointer to the step with the given id, or nil.
func (s *Saga) StepByID(stepID string) *SagaStep {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}
