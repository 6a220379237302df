// Package domain holds the task-queue entities and the store/broker ports
// the runtime is built around. Adapters implement the ports; the executor
// and dispatchers only ever see these types.
package domain

import (
	"time"
)

// TaskState enumerates the lifecycle states of a task.
type TaskState string

const (
	StatePending  TaskState = "Pending"
	StateReceived TaskState = "Received"
	StateStarted  TaskState = "Started"
	StateProgress TaskState = "Progress"
	StateSuccess  TaskState = "Success"
	StateFailure  TaskState = "Failure"
	StateRetry    TaskState = "Retry"
	StateRevoked  TaskState = "Revoked"
	StateRejected TaskState = "Rejected"
	StateRequeued TaskState = "Requeued"
)

// IsTerminal reports whether the state is final. Terminal records are
// monotonic: a backend never overwrites a terminal state with a
// non-terminal one.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	}
	return false
}

// ParseTaskState maps a wire string to a TaskState, falling back to
// StatePending for unknown values.
func ParseTaskState(s string) TaskState {
	switch TaskState(s) {
	case StatePending, StateReceived, StateStarted, StateProgress,
		StateSuccess, StateFailure, StateRetry, StateRevoked,
		StateRejected, StateRequeued:
		return TaskState(s)
	}
	return StatePending
}

// TaskMessage is the wire record a producer publishes and a worker consumes.
type TaskMessage struct {
	ID            string            `json:"id"`
	Task          string            `json:"task"`
	Args          []byte            `json:"args,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	Queue         string            `json:"queue"`
	Priority      int               `json:"priority,omitempty"`
	MaxRetries    int               `json:"maxRetries"`
	Countdown     time.Duration     `json:"countdown,omitempty"`
	ETA           *time.Time        `json:"eta,omitempty"`
	Expires       *time.Time        `json:"expires,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	StoreResult   bool              `json:"storeResult"`
	Retries       int               `json:"retries"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Link          string            `json:"link,omitempty"`
	LinkError     string            `json:"linkError,omitempty"`
}

// DefaultMaxRetries applies when a message carries no explicit budget.
const DefaultMaxRetries = 3

// HeaderPartitionKey names the header carrying the partition-lock key.
const HeaderPartitionKey = "partitionKey"

// HeaderSingleFlightKey names the header carrying the execution-tracker key.
const HeaderSingleFlightKey = "singleFlightKey"

// EffectiveETA resolves eta/countdown: an explicit ETA wins, otherwise a
// countdown is taken relative to now. A zero return means "deliver now".
func (m *TaskMessage) EffectiveETA(now time.Time) time.Time {
	if m.ETA != nil {
		return *m.ETA
	}
	if m.Countdown > 0 {
		return now.Add(m.Countdown)
	}
	return time.Time{}
}

// IsExpired reports whether the message's expiry has passed.
func (m *TaskMessage) IsExpired(now time.Time) bool {
	return m.Expires != nil && m.Expires.Before(now)
}

// PartitionKey returns the partition-lock key carried in the headers, if any.
func (m *TaskMessage) PartitionKey() string {
	return m.Headers[HeaderPartitionKey]
}

// SingleFlightKey returns the execution-tracker key carried in the headers.
func (m *TaskMessage) SingleFlightKey() string {
	return m.Headers[HeaderSingleFlightKey]
}

// TaskResult is the per-task outcome record persisted by the result backend.
type TaskResult struct {
	TaskID                string            `json:"taskId"`
	State                 TaskState         `json:"state"`
	Result                []byte            `json:"result,omitempty"`
	ContentType           string            `json:"contentType,omitempty"`
	Exception             *ExceptionInfo    `json:"exception,omitempty"`
	CompletedAt           time.Time         `json:"completedAt"`
	DurationMs            int64             `json:"durationMs,omitempty"`
	Retries               int               `json:"retries"`
	Worker                string            `json:"worker,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	ExpiresAt             *time.Time        `json:"expiresAt,omitempty"`
	DoNotIncrementRetries bool              `json:"doNotIncrementRetries,omitempty"`
	RequeueDelay          time.Duration     `json:"requeueDelay,omitempty"`
}

// BrokerMessage is a raw delivery handed to the executor by the worker loop.
type BrokerMessage struct {
	Message     TaskMessage
	DeliveryTag string
	Queue       string
	ReceivedAt  time.Time
}
