package domain

import "time"

// SignalType names a lifecycle event delivered to signal handlers.
type SignalType string

const (
	SignalBeforeTaskPublish SignalType = "BeforeTaskPublish"
	SignalAfterTaskPublish  SignalType = "AfterTaskPublish"
	SignalTaskPreRun        SignalType = "TaskPreRun"
	SignalTaskPostRun       SignalType = "TaskPostRun"
	SignalTaskSuccess       SignalType = "TaskSuccess"
	SignalTaskFailure       SignalType = "TaskFailure"
	SignalTaskRetry         SignalType = "TaskRetry"
	SignalTaskRevoked       SignalType = "TaskRevoked"
	SignalTaskRejected      SignalType = "TaskRejected"
	SignalProgressUpdated   SignalType = "ProgressUpdated"
	SignalSagaStarted       SignalType = "SagaStarted"
	SignalSagaCompleted     SignalType = "SagaCompleted"
	SignalSagaCompensating  SignalType = "SagaCompensating"
	SignalSagaFailed        SignalType = "SagaFailed"
)

// Signal is the envelope published on the signal bus.
type Signal struct {
	Type          SignalType        `json:"type"`
	TaskID        string            `json:"taskId,omitempty"`
	TaskName      string            `json:"taskName,omitempty"`
	Queue         string            `json:"queue,omitempty"`
	SagaID        string            `json:"sagaId,omitempty"`
	State         TaskState         `json:"state,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
}
