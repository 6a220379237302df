// Package client is the producer side of the runtime: it builds task
// messages and routes them to the broker, the delayed store, or the outbox.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/celerity/internal/codec"
	"github.com/fairyhunter13/celerity/internal/domain"
)

// Client publishes tasks. Delivery routing: a future ETA goes to the delayed
// store, otherwise the message goes through the outbox when one is
// configured, or straight to the broker.
type Client struct {
	broker  domain.Broker
	delayed domain.DelayedStore
	outbox  domain.OutboxStore
	backend domain.ResultBackend
	bus     domain.SignalBus
	codec   codec.Codec
	clock   domain.Clock

	defaultQueue string
	resultExpiry time.Duration

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Config wires a Client. Broker and Codec are required; the other
// collaborators are optional and disable their feature when nil.
type Config struct {
	Broker       domain.Broker
	Delayed      domain.DelayedStore
	Outbox       domain.OutboxStore
	Backend      domain.ResultBackend
	Bus          domain.SignalBus
	Codec        codec.Codec
	Clock        domain.Clock
	DefaultQueue string
	ResultExpiry time.Duration
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = "celery"
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.NewJSON()
	}
	return &Client{
		broker:       cfg.Broker,
		delayed:      cfg.Delayed,
		outbox:       cfg.Outbox,
		backend:      cfg.Backend,
		bus:          cfg.Bus,
		codec:        cfg.Codec,
		clock:        cfg.Clock,
		defaultQueue: cfg.DefaultQueue,
		resultExpiry: cfg.ResultExpiry,
		entropy:      ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewID returns a new ULID task id.
func (c *Client) NewID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(c.clock()), c.entropy).String()
}

// Option mutates the message being built by Delay.
type Option func(*domain.TaskMessage)

// WithQueue routes the task to a queue.
func WithQueue(queue string) Option {
	return func(m *domain.TaskMessage) { m.Queue = queue }
}

// WithCountdown delays delivery by d relative to publish time.
func WithCountdown(d time.Duration) Option {
	return func(m *domain.TaskMessage) { m.Countdown = d }
}

// WithETA delays delivery until t. An explicit ETA wins over a countdown.
func WithETA(t time.Time) Option {
	return func(m *domain.TaskMessage) { m.ETA = &t }
}

// WithExpires drops the task if not started by t.
func WithExpires(t time.Time) Option {
	return func(m *domain.TaskMessage) { m.Expires = &t }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(m *domain.TaskMessage) { m.MaxRetries = n }
}

// WithPriority sets the delivery priority.
func WithPriority(p int) Option {
	return func(m *domain.TaskMessage) { m.Priority = p }
}

// WithHeader sets one message header.
func WithHeader(key, value string) Option {
	return func(m *domain.TaskMessage) {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[key] = value
	}
}

// WithPartitionKey serializes execution against other tasks sharing the key.
func WithPartitionKey(key string) Option {
	return WithHeader(domain.HeaderPartitionKey, key)
}

// WithSingleFlightKey scopes the task's single-flight guard to the key.
func WithSingleFlightKey(key string) Option {
	return WithHeader(domain.HeaderSingleFlightKey, key)
}

// WithTaskID overrides the generated task id.
func WithTaskID(id string) Option {
	return func(m *domain.TaskMessage) { m.ID = id }
}

// WithCorrelationID overrides the generated correlation id.
func WithCorrelationID(id string) Option {
	return func(m *domain.TaskMessage) { m.CorrelationID = id }
}

// WithoutResult disables result persistence for the task.
func WithoutResult() Option {
	return func(m *domain.TaskMessage) { m.StoreResult = false }
}

// WithLink chains a follow-up signature run on success, carrying this task's
// result as its args.
func WithLink(sig string) Option {
	return func(m *domain.TaskMessage) { m.Link = sig }
}

// WithLinkError chains a follow-up signature run on failure.
func WithLinkError(sig string) Option {
	return func(m *domain.TaskMessage) { m.LinkError = sig }
}

// Delay publishes a task invocation and returns its id. Args are marshaled
// with the client codec; nil args publish an empty payload.
func (c *Client) Delay(ctx context.Context, task string, args any, opts ...Option) (string, error) {
	now := c.clock()
	msg := domain.TaskMessage{
		ID:            c.NewID(),
		Task:          task,
		ContentType:   c.codec.ContentType(),
		Queue:         c.defaultQueue,
		MaxRetries:    domain.DefaultMaxRetries,
		Timestamp:     now,
		StoreResult:   true,
		CorrelationID: uuid.NewString(),
	}
	if args != nil {
		b, err := c.codec.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("op=client.delay task=%s: %w", task, err)
		}
		msg.Args = b
	}
	for _, opt := range opts {
		opt(&msg)
	}
	if err := c.Publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Publish routes an already-built message. Exposed for the executor's retry
// and link paths.
func (c *Client) Publish(ctx context.Context, msg domain.TaskMessage) error {
	now := c.clock()
	c.signal(ctx, domain.SignalBeforeTaskPublish, msg)

	if msg.StoreResult && c.backend != nil {
		if err := c.backend.UpdateState(ctx, msg.ID, domain.StatePending, nil); err != nil {
			slog.Warn("pending state write failed",
				slog.String("task_id", msg.ID), slog.Any("error", err))
		}
	}

	var err error
	switch {
	case c.delayed != nil && msg.EffectiveETA(now).After(now):
		err = c.delayed.Add(ctx, msg, msg.EffectiveETA(now))
	case c.outbox != nil:
		_, err = c.outbox.Store(ctx, domain.OutboxMessage{
			ID:      msg.ID,
			Message: msg,
		})
	default:
		err = c.publishWithBackoff(ctx, msg)
	}
	if err != nil {
		return fmt.Errorf("op=client.publish task=%s task_id=%s: %w", msg.Task, msg.ID, err)
	}

	c.signal(ctx, domain.SignalAfterTaskPublish, msg)
	return nil
}

func (c *Client) publishWithBackoff(ctx context.Context, msg domain.TaskMessage) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		return c.broker.Publish(ctx, msg.Queue, msg)
	}, bo)
}

func (c *Client) signal(ctx context.Context, t domain.SignalType, msg domain.TaskMessage) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.Signal{
		Type:          t,
		TaskID:        msg.ID,
		TaskName:      msg.Task,
		Queue:         msg.Queue,
		Timestamp:     c.clock(),
		CorrelationID: msg.CorrelationID,
	})
}

// Result fetches the stored result for a task id; nil when absent.
func (c *Client) Result(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	if c.backend == nil {
		return nil, fmt.Errorf("op=client.result: no result backend configured")
	}
	return c.backend.GetResult(ctx, taskID)
}

// Wait blocks for a terminal result, up to timeout.
func (c *Client) Wait(ctx context.Context, taskID string, timeout time.Duration) (*domain.TaskResult, error) {
	if c.backend == nil {
		return nil, fmt.Errorf("op=client.wait: no result backend configured")
	}
	return c.backend.WaitForResult(ctx, taskID, timeout)
}
