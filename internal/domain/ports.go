package domain

import (
	"context"
	"time"
)

// Clock is an injectable time source; stores default to time.Now.
type Clock func() time.Time

// Broker is the message transport the core runs on. Adapters map these
// operations onto their native semantics (channels, Kafka offsets, ...).
type Broker interface {
	// Consume opens a delivery stream over the given queues. Prefetch
	// bounds the number of unacked in-flight deliveries per consumer.
	Consume(ctx context.Context, queues []string, prefetch int) (<-chan BrokerMessage, error)
	// Publish enqueues a message for immediate delivery.
	Publish(ctx context.Context, queue string, msg TaskMessage) error
	// Ack confirms a delivery.
	Ack(ctx context.Context, deliveryTag string) error
	// Nack rejects a delivery, optionally requeueing it.
	Nack(ctx context.Context, deliveryTag string, requeue bool) error
	// Requeue republishes a message after the given delay.
	Requeue(ctx context.Context, queue string, msg TaskMessage, delay time.Duration) error
}

// ResultBackend persists task state and results and wakes local waiters.
type ResultBackend interface {
	// StoreResult upserts by task id. Terminal states are monotonic: a
	// terminal record is never overwritten by a non-terminal one.
	StoreResult(ctx context.Context, result TaskResult, expiry time.Duration) error
	// GetResult returns nil when absent or expired.
	GetResult(ctx context.Context, taskID string) (*TaskResult, error)
	// WaitForResult blocks until a terminal result is stored or the
	// timeout elapses (ErrTimeout, distinguishable from ctx cancellation).
	WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*TaskResult, error)
	// UpdateState upserts the state only; CompletedAt/ExpiresAt are set on
	// insert, not on update.
	UpdateState(ctx context.Context, taskID string, state TaskState, metadata map[string]string) error
	// GetState returns the empty state when the record is absent.
	GetState(ctx context.Context, taskID string) (TaskState, error)
}

// RevocationStore persists revoke orders and fans them out to subscribers.
type RevocationStore interface {
	Add(ctx context.Context, rec RevocationRecord) error
	Remove(ctx context.Context, taskID string) error
	List(ctx context.Context) ([]RevocationRecord, error)
	// Subscribe delivers revoke orders published after the call, across
	// all workers sharing the store. The channel closes with ctx.
	Subscribe(ctx context.Context) (<-chan RevocationRecord, error)
}

// RateLimitPolicy is a sliding-window admission policy.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

// RateLimitDecision is the outcome of a TryAcquire.
type RateLimitDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter gates task starts per key.
type RateLimiter interface {
	TryAcquire(ctx context.Context, key string, policy RateLimitPolicy) (RateLimitDecision, error)
}

// PartitionLockStore grants exclusive leases per partition key. Acquire
// inserts if absent, and updates if the stored lock is expired or already
// held by the same task; concurrent acquires serialize.
type PartitionLockStore interface {
	TryAcquire(ctx context.Context, partitionKey, taskID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, partitionKey, taskID string) error
	IsLocked(ctx context.Context, partitionKey string) (bool, error)
	GetLockHolder(ctx context.Context, partitionKey string) (string, error)
	Extend(ctx context.Context, partitionKey, taskID string, ttl time.Duration) (bool, error)
}

// ExecutionTracker enforces single-flight per (task name, key).
type ExecutionTracker interface {
	// TryStart returns false when a non-expired record already exists.
	TryStart(ctx context.Context, taskName, taskID, key string, ttl time.Duration) (bool, error)
	// Stop removes the record only when the task id matches.
	Stop(ctx context.Context, taskName, taskID, key string) error
	// SweepExpired discards expired records and reports how many.
	SweepExpired(ctx context.Context) (int, error)
}

// DelayedStore holds scheduled messages ordered by delivery time.
type DelayedStore interface {
	// Add upserts by task id.
	Add(ctx context.Context, msg TaskMessage, deliveryTime time.Time) error
	// GetDueMessages returns messages due at now, atomically removing each
	// before it is returned so no other dispatcher observes it.
	GetDueMessages(ctx context.Context, now time.Time) ([]DelayedMessage, error)
	// NextDeliveryTime returns the earliest pending delivery time, or the
	// zero time when the store is empty.
	NextDeliveryTime(ctx context.Context) (time.Time, error)
	Remove(ctx context.Context, taskID string) error
	PendingCount(ctx context.Context) (int, error)
}

// OutboxStore is the durable publish-intent log. Sequence numbers are
// assigned by the store and strictly increase.
type OutboxStore interface {
	Store(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// GetPending returns pending rows in sequence order. Rows handed to one
	// reader are not handed to a concurrent reader.
	GetPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkDispatched(ctx context.Context, id string) error
	// MarkFailed increments attempts; at OutboxMaxAttempts the row sticks
	// in Failed.
	MarkFailed(ctx context.Context, id string, cause string) error
	// CleanupOlderThan drops Dispatched rows older than the given age.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// InboxStore is the idempotent-consume log.
type InboxStore interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	// MarkProcessed records the message id. tx is an opaque transaction
	// handle an implementation may honor to make the mark atomic with the
	// consumer's business effect.
	MarkProcessed(ctx context.Context, messageID string, tx any) error
}

// SagaStore persists sagas and their step transitions.
type SagaStore interface {
	Create(ctx context.Context, saga Saga) error
	Get(ctx context.Context, id string) (*Saga, error)
	UpdateState(ctx context.Context, id string, state SagaState, reason string) error
	UpdateStepState(ctx context.Context, id, stepID string, state StepState, executeTaskID, compensateTaskID string, result []byte, stepErr string) error
	MarkStepCompensated(ctx context.Context, id, stepID string, success bool, stepErr string) error
	// AdvanceStep increments the current step index and returns it.
	AdvanceStep(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
	// GetSagaIDForTask reverse-looks-up the saga owning an execute or
	// compensate task id.
	GetSagaIDForTask(ctx context.Context, taskID string) (string, error)
	GetByState(ctx context.Context, state SagaState, limit int) ([]Saga, error)
}

// DeadLetterStore archives terminally failed messages.
type DeadLetterStore interface {
	Store(ctx context.Context, msg DeadLetterMessage) error
	// GetAll returns non-expired rows ordered by timestamp descending.
	GetAll(ctx context.Context, limit, offset int) ([]DeadLetterMessage, error)
	Get(ctx context.Context, id string) (*DeadLetterMessage, error)
	// Requeue removes the row and returns it for the caller to republish.
	Requeue(ctx context.Context, id string) (*DeadLetterMessage, error)
	Delete(ctx context.Context, id string) error
	Purge(ctx context.Context) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
	GetCount(ctx context.Context) (int, error)
}

// SignalHandler consumes one signal. Handler failures are isolated: they are
// logged and never affect other handlers or the task outcome.
type SignalHandler func(ctx context.Context, sig Signal) error

// SignalBus dispatches typed lifecycle events to subscribed handlers.
type SignalBus interface {
	Subscribe(t SignalType, h SignalHandler)
	Publish(ctx context.Context, sig Signal)
}

// HistoricalMetricsStore records time-bucketed metric snapshots with TTL.
type HistoricalMetricsStore interface {
	Record(ctx context.Context, snap MetricsSnapshot) error
	GetMetrics(ctx context.Context, from, until time.Time) (MetricsSnapshot, error)
	GetTimeSeries(ctx context.Context, from, until time.Time, bucket time.Duration) ([]MetricsSnapshot, error)
	GetMetricsByTaskName(ctx context.Context, from, until time.Time) (map[string]TaskNameMetrics, error)
}

// TaskNameMetrics aggregates execution-time stats per task name.
type TaskNameMetrics struct {
	TaskName string  `json:"taskName"`
	Success  int64   `json:"success"`
	Failure  int64   `json:"failure"`
	Retry    int64   `json:"retry"`
	AvgMs    float64 `json:"avgMs"`
	MinMs    float64 `json:"minMs"`
	MaxMs    float64 `json:"maxMs"`
}
