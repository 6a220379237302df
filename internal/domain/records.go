package domain

import "time"

// DelayedMessage is a scheduled task waiting in the delayed store.
// Rows are unique per task id and ordered by DeliveryTime ascending.
type DelayedMessage struct {
	TaskID       string      `json:"taskId"`
	Message      TaskMessage `json:"message"`
	DeliveryTime time.Time   `json:"deliveryTime"`
}

// ExecutionRecord is the single-flight token kept by the execution tracker.
// At most one non-expired record exists per (task name, key).
type ExecutionRecord struct {
	TaskName  string    `json:"taskName"`
	Key       string    `json:"key,omitempty"`
	TaskID    string    `json:"taskId"`
	StartedAt time.Time `json:"startedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PartitionLock is an exclusive lease over a partition key. The holder may
// extend it; any task may take over once ExpiresAt has passed.
type PartitionLock struct {
	PartitionKey string    `json:"partitionKey"`
	TaskID       string    `json:"taskId"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// RevokeSignal selects how a terminate revocation cancels a running task.
type RevokeSignal string

const (
	// SignalGraceful posts the cancel asynchronously so the running
	// computation can reach its next yield.
	SignalGraceful RevokeSignal = "Graceful"
	// SignalImmediate cancels synchronously on the revocation manager's
	// goroutine.
	SignalImmediate RevokeSignal = "Immediate"
)

// RevokeOptions carries the terminate/signal flags of a revoke order.
type RevokeOptions struct {
	Terminate bool         `json:"terminate"`
	Signal    RevokeSignal `json:"signal,omitempty"`
}

// RevocationRecord is a persisted revoke order for a task id.
type RevocationRecord struct {
	TaskID    string        `json:"taskId"`
	Options   RevokeOptions `json:"options"`
	CreatedAt time.Time     `json:"createdAt"`
}

// OutboxStatus enumerates outbox row states.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "Pending"
	OutboxDispatched OutboxStatus = "Dispatched"
	OutboxFailed     OutboxStatus = "Failed"
)

// OutboxMaxAttempts is the attempt count after which a pending outbox row
// sticks in Failed.
const OutboxMaxAttempts = 5

// OutboxMessage is a durable publish intent. SequenceNumber is assigned by
// the store and strictly increases per store.
type OutboxMessage struct {
	ID             string       `json:"id"`
	Message        TaskMessage  `json:"message"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"lastError,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	DispatchedAt   *time.Time   `json:"dispatchedAt,omitempty"`
	SequenceNumber int64        `json:"sequenceNumber"`
}

// InboxRecord marks a message id as already applied by a consumer.
type InboxRecord struct {
	MessageID   string    `json:"messageId"`
	ProcessedAt time.Time `json:"processedAt"`
}

// DeadLetterReason classifies why a message was dead-lettered.
type DeadLetterReason string

const (
	ReasonMaxRetriesExceeded    DeadLetterReason = "MaxRetriesExceeded"
	ReasonRejected              DeadLetterReason = "Rejected"
	ReasonTimeLimitExceeded     DeadLetterReason = "TimeLimitExceeded"
	ReasonExpired               DeadLetterReason = "Expired"
	ReasonUnknownTask           DeadLetterReason = "UnknownTask"
	ReasonFailed                DeadLetterReason = "Failed"
	ReasonDeserializationFailed DeadLetterReason = "DeserializationFailed"
)

// ParseDeadLetterReason maps a wire string to a reason, falling back to
// ReasonFailed for unknown values.
func ParseDeadLetterReason(s string) DeadLetterReason {
	switch DeadLetterReason(s) {
	case ReasonMaxRetriesExceeded, ReasonRejected, ReasonTimeLimitExceeded,
		ReasonExpired, ReasonUnknownTask, ReasonFailed,
		ReasonDeserializationFailed:
		return DeadLetterReason(s)
	}
	return ReasonFailed
}

// DeadLetterMessage is a terminally failed task archived for operators.
type DeadLetterMessage struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"taskId"`
	TaskName        string           `json:"taskName"`
	Queue           string           `json:"queue"`
	Reason          DeadLetterReason `json:"reason"`
	OriginalMessage []byte           `json:"originalMessage,omitempty"`
	Exception       *ExceptionInfo   `json:"exception,omitempty"`
	RetryCount      int              `json:"retryCount"`
	Timestamp       time.Time        `json:"timestamp"`
	ExpiresAt       *time.Time       `json:"expiresAt,omitempty"`
	Worker          string           `json:"worker,omitempty"`
}

// MetricsSnapshot is a timestamped roll-up for a (task name, queue) pair.
// Either dimension may be empty for a broader aggregate.
type MetricsSnapshot struct {
	TaskName        string     `json:"taskName,omitempty"`
	Queue           string     `json:"queue,omitempty"`
	Success         int64      `json:"success"`
	Failure         int64      `json:"failure"`
	Retry           int64      `json:"retry"`
	Revoked         int64      `json:"revoked"`
	AvgExecutionMs  float64    `json:"avgExecutionMs,omitempty"`
	ExecutionSample bool       `json:"executionSample,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}
