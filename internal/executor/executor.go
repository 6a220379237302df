// Package executor runs one broker delivery through the full task pipeline:
// decode, guards, filters, dispatch, outcome classification, and settlement.
// Process never returns an error to the worker loop; every path produces a
// TaskResult and settles the delivery exactly once.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/celerity/internal/breaker"
	"github.com/fairyhunter13/celerity/internal/client"
	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/filter"
	"github.com/fairyhunter13/celerity/internal/metrics"
	"github.com/fairyhunter13/celerity/internal/registry"
	"github.com/fairyhunter13/celerity/internal/revocation"
	"github.com/fairyhunter13/celerity/internal/saga"
)

const defaultRequeueDelay = 5 * time.Second

// Config wires an Executor. Registry, Broker, and Backend are required; all
// other collaborators are optional and disable their stage when nil.
type Config struct {
	Registry    *registry.Registry
	Broker      domain.Broker
	Backend     domain.ResultBackend
	Delayed     domain.DelayedStore
	Inbox       domain.InboxStore
	DLQ         domain.DeadLetterStore
	Revocations *revocation.Manager
	Limiter     domain.RateLimiter
	Pipeline    *filter.Pipeline
	Sagas       *saga.Orchestrator
	Links       *client.Client
	Bus         domain.SignalBus
	Counters    *metrics.Service
	Breakers    *breaker.Manager
	KillSwitch  *breaker.KillSwitch

	RetryPolicy      domain.RetryPolicy
	Clock            domain.Clock
	WorkerID         string
	ResultExpiry     time.Duration
	DLQRetention     time.Duration
	HideErrorDetails bool
	StoreRetries     int
}

// Executor turns broker deliveries into task results.
type Executor struct {
	cfg    Config
	tracer trace.Tracer
}

// New builds an Executor.
func New(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.RetryPolicy.InitialDelay <= 0 {
		cfg.RetryPolicy = domain.DefaultRetryPolicy()
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = filter.NewPipeline()
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = 3
	}
	return &Executor{cfg: cfg, tracer: otel.Tracer("celerity/executor")}
}

// Process runs one delivery end to end. The delivery is settled (ack or
// nack) exactly once on every path.
func (e *Executor) Process(ctx context.Context, delivery domain.BrokerMessage) domain.TaskResult {
	msg := delivery.Message
	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.name", msg.Task),
		attribute.String("task.id", msg.ID),
		attribute.String("queue", delivery.Queue),
	))
	defer span.End()

	// Step 1: the task's local cancel, linked to revocation when available.
	var taskCtx context.Context
	var cancel context.CancelFunc
	if e.cfg.Revocations != nil {
		taskCtx, cancel = e.cfg.Revocations.RegisterTask(ctx, msg.ID)
		defer e.cfg.Revocations.UnregisterTask(msg.ID)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	now := e.cfg.Clock()

	// Step 2: decode.
	desc, err := e.cfg.Registry.Get(msg.Task)
	if err != nil {
		slog.Warn("unknown task dead-lettered",
			slog.String("task", msg.Task), slog.String("task_id", msg.ID))
		return e.rejectTerminal(ctx, delivery, domain.ReasonUnknownTask, err)
	}

	// Step 3: expiration.
	if msg.IsExpired(now) {
		return e.rejectTerminal(ctx, delivery, domain.ReasonExpired, domain.ErrExpired)
	}

	// Step 4: inbox de-duplication (skipped for idempotent handlers).
	if e.cfg.Inbox != nil && !desc.Options.Idempotent {
		processed, inboxErr := e.cfg.Inbox.IsProcessed(ctx, msg.ID)
		if inboxErr != nil {
			return e.nackTransient(ctx, delivery, fmt.Errorf("op=executor.inboxCheck task_id=%s: %w", msg.ID, inboxErr))
		}
		if processed {
			e.ack(ctx, delivery)
			if prev, _ := e.cfg.Backend.GetResult(ctx, msg.ID); prev != nil {
				return *prev
			}
			return domain.TaskResult{TaskID: msg.ID, State: domain.StateSuccess, CompletedAt: now, Worker: e.cfg.WorkerID}
		}
	}

	// Step 5: revocation pre-check.
	if e.cfg.Revocations != nil && e.cfg.Revocations.IsRevoked(msg.ID) {
		res := e.terminal(msg, domain.StateRevoked, nil, domain.ErrRevoked, 0)
		e.persistResult(ctx, msg, res)
		e.cfg.Revocations.Forget(ctx, msg.ID)
		e.signalOutcome(ctx, msg, res)
		e.ack(ctx, delivery)
		return res
	}

	// Step 6: rate limit. A denial retries without consuming the budget.
	if e.cfg.Limiter != nil && desc.Options.RateLimit.Limit > 0 {
		decision, rlErr := e.cfg.Limiter.TryAcquire(ctx, msg.Task, desc.Options.RateLimit)
		if rlErr != nil {
			slog.Warn("rate limiter error, allowing task",
				slog.String("task", msg.Task), slog.Any("error", rlErr))
		} else if !decision.Allowed {
			return e.scheduleRetry(ctx, delivery, msg, &domain.RetryRequestedError{
				Delay:                 decision.RetryAfter,
				DoNotIncrementRetries: true,
				Cause:                 domain.ErrRateLimited,
			})
		}
	}

	// Steps 7-9: filter pipeline (partition lock and single-flight run as
	// built-in filters).
	inv := filter.NewInvocation(msg, delivery.Queue)
	ran, filterErr := e.cfg.Pipeline.RunExecuting(taskCtx, inv)
	if filterErr != nil {
		res := e.terminal(msg, domain.StateFailure, nil, filterErr, 0)
		e.persistResult(ctx, msg, res)
		e.deadLetter(ctx, delivery, domain.ReasonFailed, filterErr)
		inv.Result = &res
		e.cfg.Pipeline.RunExecuted(taskCtx, inv, ran)
		e.signalOutcome(ctx, msg, res)
		e.ack(ctx, delivery)
		return res
	}
	if inv.SkipExecution {
		res := domain.TaskResult{TaskID: msg.ID, State: domain.StateRequeued, CompletedAt: e.cfg.Clock(), Worker: e.cfg.WorkerID}
		if inv.RequeueMessage {
			delay := inv.RequeueDelay
			if delay <= 0 {
				delay = defaultRequeueDelay
			}
			if err := e.requeue(ctx, delivery.Queue, msg, delay); err != nil {
				inv.Result = &res
				e.cfg.Pipeline.RunExecuted(taskCtx, inv, ran)
				return e.nackTransient(ctx, delivery, err)
			}
		}
		inv.Result = &res
		e.cfg.Pipeline.RunExecuted(taskCtx, inv, ran)
		e.ack(ctx, delivery)
		return res
	}

	// Step 10: dispatch.
	if e.cfg.Counters != nil {
		e.cfg.Counters.TaskStarted(delivery.Queue, msg.Task)
	}
	e.updateState(ctx, msg, domain.StateReceived, nil)
	e.updateState(ctx, msg, domain.StateStarted, nil)
	e.signal(ctx, domain.SignalTaskPreRun, msg, domain.StateStarted)

	execCtx := taskCtx
	var timeCancel context.CancelFunc
	if desc.Options.TimeLimit > 0 {
		execCtx, timeCancel = context.WithTimeout(execCtx, desc.Options.TimeLimit)
		defer timeCancel()
	}
	execCtx = WithProgressReporter(execCtx, e.progressReporter(msg))

	started := e.cfg.Clock()
	var output []byte
	run := func(c context.Context) error {
		var handlerErr error
		output, handlerErr = desc.Handler(c, msg.Args)
		return handlerErr
	}
	var handlerErr error
	if e.cfg.Breakers != nil {
		handlerErr = e.cfg.Breakers.Get(msg.Task).Execute(execCtx, run)
	} else {
		handlerErr = run(execCtx)
	}
	duration := e.cfg.Clock().Sub(started)
	if e.cfg.KillSwitch != nil {
		e.cfg.KillSwitch.Record(handlerErr == nil)
	}

	// Steps 11-16: classify, unwind filters, advance sagas and links, mark
	// the inbox, signal, settle.
	res := e.settleOutcome(ctx, taskCtx, delivery, msg, desc, inv, ran, output, handlerErr, duration)
	if e.cfg.Counters != nil {
		e.cfg.Counters.TaskFinished(delivery.Queue, msg.Task, res.State, duration)
	}
	return res
}

// settleOutcome implements steps 11-16 for a dispatched handler.
func (e *Executor) settleOutcome(ctx, taskCtx context.Context, delivery domain.BrokerMessage, msg domain.TaskMessage, desc registry.Descriptor, inv *filter.Invocation, ran int, output []byte, handlerErr error, duration time.Duration) domain.TaskResult {
	finish := func(res domain.TaskResult, terminalOutcome bool) domain.TaskResult {
		inv.Result = &res
		e.cfg.Pipeline.RunExecuted(taskCtx, inv, ran)
		if terminalOutcome {
			e.advanceSagaAndLinks(ctx, msg, res)
			e.markInbox(ctx, msg, desc)
		}
		e.signal(ctx, domain.SignalTaskPostRun, msg, res.State)
		e.signalOutcome(ctx, msg, res)
		e.ack(ctx, delivery)
		return res
	}

	if handlerErr == nil {
		res := domain.TaskResult{
			TaskID:      msg.ID,
			State:       domain.StateSuccess,
			Result:      output,
			ContentType: msg.ContentType,
			CompletedAt: e.cfg.Clock(),
			DurationMs:  duration.Milliseconds(),
			Retries:     msg.Retries,
			Worker:      e.cfg.WorkerID,
		}
		e.persistResult(ctx, msg, res)
		return finish(res, true)
	}

	var retryReq *domain.RetryRequestedError
	var rejected *domain.RejectedError
	var timeLimit *domain.TimeLimitError

	switch {
	case errors.As(handlerErr, &retryReq):
		res := e.scheduleRetry(ctx, delivery, msg, retryReq)
		inv.Result = &res
		e.cfg.Pipeline.RunExecuted(taskCtx, inv, ran)
		return res

	case errors.As(handlerErr, &timeLimit) || (desc.Options.TimeLimit > 0 && errors.Is(handlerErr, context.DeadlineExceeded)):
		if timeLimit == nil {
			handlerErr = &domain.TimeLimitError{Limit: desc.Options.TimeLimit}
		}
		res := e.terminal(msg, domain.StateFailure, nil, handlerErr, duration)
		e.persistResult(ctx, msg, res)
		e.deadLetter(ctx, delivery, domain.ReasonTimeLimitExceeded, handlerErr)
		return finish(res, true)

	case errors.As(handlerErr, &rejected):
		res := e.terminal(msg, domain.StateRejected, nil, handlerErr, duration)
		e.persistResult(ctx, msg, res)
		e.deadLetter(ctx, delivery, domain.ReasonRejected, handlerErr)
		return finish(res, true)

	case errors.Is(handlerErr, context.Canceled) && e.cfg.Revocations != nil && e.cfg.Revocations.IsRevoked(msg.ID):
		res := e.terminal(msg, domain.StateRevoked, nil, domain.ErrRevoked, duration)
		e.persistResult(ctx, msg, res)
		e.cfg.Revocations.Forget(ctx, msg.ID)
		return finish(res, true)

	case errors.Is(handlerErr, context.Canceled):
		// Shutdown cancellation: no state change, hand the message back.
		res := domain.TaskResult{TaskID: msg.ID, State: domain.StateRequeued, CompletedAt: e.cfg.Clock(), Worker: e.cfg.WorkerID}
		inv.Result = &res
		e.cfg.Pipeline.RunExecuted(taskCtx, inv, ran)
		e.nack(ctx, delivery, true)
		return res

	case errors.Is(handlerErr, domain.ErrCircuitOpen):
		return e.scheduleRetryUnwound(ctx, taskCtx, delivery, msg, inv, ran, &domain.RetryRequestedError{
			Delay:                 defaultRequeueDelay,
			DoNotIncrementRetries: true,
			Cause:                 domain.ErrCircuitOpen,
		})

	case errors.Is(handlerErr, domain.ErrDeserialization):
		res := e.terminal(msg, domain.StateRejected, nil, handlerErr, duration)
		e.persistResult(ctx, msg, res)
		e.deadLetter(ctx, delivery, domain.ReasonDeserializationFailed, handlerErr)
		return finish(res, true)

	default:
		res := e.terminal(msg, domain.StateFailure, nil, handlerErr, duration)
		e.persistResult(ctx, msg, res)
		e.deadLetter(ctx, delivery, domain.ReasonFailed, handlerErr)
		return finish(res, true)
	}
}

func (e *Executor) scheduleRetryUnwound(ctx, taskCtx context.Context, delivery domain.BrokerMessage, msg domain.TaskMessage, inv *filter.Invocation, ran int, req *domain.RetryRequestedError) domain.TaskResult {
	res := e.scheduleRetry(ctx, delivery, msg, req)
	inv.Result = &res
	e.cfg.Pipeline.RunExecuted(taskCtx, inv, ran)
	return res
}

// scheduleRetry re-delivers the message after the requested delay, routing
// through the delayed store when one is configured. An exhausted retry
// budget dead-letters the message instead.
func (e *Executor) scheduleRetry(ctx context.Context, delivery domain.BrokerMessage, msg domain.TaskMessage, req *domain.RetryRequestedError) domain.TaskResult {
	retries := msg.Retries
	if !req.DoNotIncrementRetries {
		retries++
	}
	maxRetries := msg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	if !req.DoNotIncrementRetries && retries > maxRetries {
		cause := req.Cause
		if cause == nil {
			cause = req
		}
		res := e.terminal(msg, domain.StateFailure, nil, fmt.Errorf("op=executor.retry task_id=%s retries=%d: %w", msg.ID, retries, cause), 0)
		res.Retries = retries
		e.persistResult(ctx, msg, res)
		e.deadLetter(ctx, delivery, domain.ReasonMaxRetriesExceeded, cause)
		e.advanceSagaAndLinks(ctx, msg, res)
		e.signalOutcome(ctx, msg, res)
		e.ack(ctx, delivery)
		return res
	}

	delay := req.Delay
	if delay <= 0 {
		delay = e.cfg.RetryPolicy.DelayFor(retries)
	}
	next := msg
	next.Retries = retries
	if err := e.requeue(ctx, delivery.Queue, next, delay); err != nil {
		return e.nackTransient(ctx, delivery, err)
	}

	res := domain.TaskResult{
		TaskID:                msg.ID,
		State:                 domain.StateRetry,
		CompletedAt:           e.cfg.Clock(),
		Retries:               retries,
		Worker:                e.cfg.WorkerID,
		RequeueDelay:          delay,
		DoNotIncrementRetries: req.DoNotIncrementRetries,
	}
	e.updateState(ctx, msg, domain.StateRetry, map[string]string{
		"retryInMs": fmt.Sprintf("%d", delay.Milliseconds()),
	})
	e.signal(ctx, domain.SignalTaskRetry, msg, domain.StateRetry)
	e.ack(ctx, delivery)
	return res
}

// requeue schedules a future delivery: through the delayed store when
// configured, otherwise the broker's native delayed requeue.
func (e *Executor) requeue(ctx context.Context, queue string, msg domain.TaskMessage, delay time.Duration) error {
	if e.cfg.Delayed != nil {
		deliveryTime := e.cfg.Clock().Add(delay)
		if err := e.cfg.Delayed.Add(ctx, msg, deliveryTime); err != nil {
			return fmt.Errorf("op=executor.requeue task_id=%s: %w", msg.ID, err)
		}
		return nil
	}
	if err := e.cfg.Broker.Requeue(ctx, queue, msg, delay); err != nil {
		return fmt.Errorf("op=executor.requeue task_id=%s: %w", msg.ID, err)
	}
	return nil
}

// rejectTerminal handles pre-dispatch terminal rejections (unknown task,
// expired, undecodable): dead-letter, persist Rejected, ack.
func (e *Executor) rejectTerminal(ctx context.Context, delivery domain.BrokerMessage, reason domain.DeadLetterReason, cause error) domain.TaskResult {
	msg := delivery.Message
	res := e.terminal(msg, domain.StateRejected, nil, cause, 0)
	e.persistResult(ctx, msg, res)
	e.deadLetter(ctx, delivery, reason, cause)
	e.signalOutcome(ctx, msg, res)
	e.ack(ctx, delivery)
	return res
}

// nackTransient hands a delivery back to the broker after an unclassified
// infrastructure error, so another worker can retry it.
func (e *Executor) nackTransient(ctx context.Context, delivery domain.BrokerMessage, cause error) domain.TaskResult {
	slog.Error("transient executor failure, nack with requeue",
		slog.String("task_id", delivery.Message.ID),
		slog.String("task", delivery.Message.Task),
		slog.Any("error", cause))
	e.nack(ctx, delivery, true)
	return domain.TaskResult{
		TaskID:      delivery.Message.ID,
		State:       domain.StateRequeued,
		CompletedAt: e.cfg.Clock(),
		Worker:      e.cfg.WorkerID,
	}
}

func (e *Executor) terminal(msg domain.TaskMessage, state domain.TaskState, result []byte, cause error, duration time.Duration) domain.TaskResult {
	res := domain.TaskResult{
		TaskID:      msg.ID,
		State:       state,
		Result:      result,
		CompletedAt: e.cfg.Clock(),
		DurationMs:  duration.Milliseconds(),
		Retries:     msg.Retries,
		Worker:      e.cfg.WorkerID,
	}
	if cause != nil {
		exc := domain.ExceptionFromError(cause)
		if e.cfg.HideErrorDetails {
			exc = &domain.ExceptionInfo{Type: exc.Type}
		}
		res.Exception = exc
	}
	return res
}

// persistResult writes a result with bounded backoff; persistence failures
// are logged, never escalated, because the delivery settlement must win.
func (e *Executor) persistResult(ctx context.Context, msg domain.TaskMessage, res domain.TaskResult) {
	if !msg.StoreResult || e.cfg.Backend == nil {
		return
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.StoreRetries)), ctx)
	err := backoff.Retry(func() error {
		return e.cfg.Backend.StoreResult(ctx, res, e.cfg.ResultExpiry)
	}, bo)
	if err != nil {
		slog.Error("result persistence failed",
			slog.String("task_id", msg.ID),
			slog.String("state", string(res.State)),
			slog.Any("error", err))
	}
}

func (e *Executor) updateState(ctx context.Context, msg domain.TaskMessage, state domain.TaskState, metadata map[string]string) {
	if !msg.StoreResult || e.cfg.Backend == nil {
		return
	}
	if err := e.cfg.Backend.UpdateState(ctx, msg.ID, state, metadata); err != nil {
		slog.Warn("state update failed",
			slog.String("task_id", msg.ID),
			slog.String("state", string(state)),
			slog.Any("error", err))
	}
}

func (e *Executor) deadLetter(ctx context.Context, delivery domain.BrokerMessage, reason domain.DeadLetterReason, cause error) {
	if e.cfg.DLQ == nil {
		return
	}
	msg := delivery.Message
	now := e.cfg.Clock()
	raw, err := json.Marshal(msg)
	if err != nil {
		raw = nil
	}
	row := domain.DeadLetterMessage{
		ID:              msg.ID,
		TaskID:          msg.ID,
		TaskName:        msg.Task,
		Queue:           delivery.Queue,
		Reason:          reason,
		OriginalMessage: raw,
		Exception:       domain.ExceptionFromError(cause),
		RetryCount:      msg.Retries,
		Timestamp:       now,
		Worker:          e.cfg.WorkerID,
	}
	if e.cfg.DLQRetention > 0 {
		t := now.Add(e.cfg.DLQRetention)
		row.ExpiresAt = &t
	}
	if err := e.cfg.DLQ.Store(ctx, row); err != nil {
		slog.Error("dead-letter store failed",
			slog.String("task_id", msg.ID),
			slog.String("reason", string(reason)),
			slog.Any("error", err))
	}
}

// advanceSagaAndLinks reports a terminal outcome to the saga orchestrator
// and releases any linked follow-up signature.
func (e *Executor) advanceSagaAndLinks(ctx context.Context, msg domain.TaskMessage, res domain.TaskResult) {
	if e.cfg.Sagas != nil && res.State.IsTerminal() {
		if err := e.cfg.Sagas.HandleTaskOutcome(ctx, msg.ID, res); err != nil {
			slog.Error("saga advance failed",
				slog.String("task_id", msg.ID), slog.Any("error", err))
		}
	}
	if e.cfg.Links == nil {
		return
	}
	switch {
	case res.State == domain.StateSuccess && msg.Link != "":
		if _, err := e.cfg.Links.PublishLink(ctx, msg.Link, res.Result); err != nil {
			slog.Error("link publish failed",
				slog.String("task_id", msg.ID), slog.Any("error", err))
		}
	case res.State == domain.StateFailure && msg.LinkError != "":
		if _, err := e.cfg.Links.PublishLink(ctx, msg.LinkError, nil); err != nil {
			slog.Error("error link publish failed",
				slog.String("task_id", msg.ID), slog.Any("error", err))
		}
	}
}

func (e *Executor) markInbox(ctx context.Context, msg domain.TaskMessage, desc registry.Descriptor) {
	if e.cfg.Inbox == nil || desc.Options.Idempotent {
		return
	}
	if err := e.cfg.Inbox.MarkProcessed(ctx, msg.ID, nil); err != nil {
		slog.Warn("inbox mark failed",
			slog.String("task_id", msg.ID), slog.Any("error", err))
	}
}

func (e *Executor) progressReporter(msg domain.TaskMessage) ProgressFunc {
	return func(ctx context.Context, metadata map[string]string) error {
		if msg.StoreResult && e.cfg.Backend != nil {
			if err := e.cfg.Backend.UpdateState(ctx, msg.ID, domain.StateProgress, metadata); err != nil {
				return err
			}
		}
		e.signal(ctx, domain.SignalProgressUpdated, msg, domain.StateProgress)
		return nil
	}
}

func (e *Executor) signal(ctx context.Context, t domain.SignalType, msg domain.TaskMessage, state domain.TaskState) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(ctx, domain.Signal{
		Type:          t,
		TaskID:        msg.ID,
		TaskName:      msg.Task,
		Queue:         msg.Queue,
		State:         state,
		Timestamp:     e.cfg.Clock(),
		CorrelationID: msg.CorrelationID,
	})
}

func (e *Executor) signalOutcome(ctx context.Context, msg domain.TaskMessage, res domain.TaskResult) {
	var t domain.SignalType
	switch res.State {
	case domain.StateSuccess:
		t = domain.SignalTaskSuccess
	case domain.StateFailure:
		t = domain.SignalTaskFailure
	case domain.StateRevoked:
		t = domain.SignalTaskRevoked
	case domain.StateRejected:
		t = domain.SignalTaskRejected
	case domain.StateRetry:
		t = domain.SignalTaskRetry
	default:
		return
	}
	e.signal(ctx, t, msg, res.State)
}

func (e *Executor) ack(ctx context.Context, delivery domain.BrokerMessage) {
	if err := e.cfg.Broker.Ack(ctx, delivery.DeliveryTag); err != nil {
		slog.Warn("ack failed",
			slog.String("task_id", delivery.Message.ID), slog.Any("error", err))
	}
}

func (e *Executor) nack(ctx context.Context, delivery domain.BrokerMessage, requeue bool) {
	if err := e.cfg.Broker.Nack(ctx, delivery.DeliveryTag, requeue); err != nil {
		slog.Warn("nack failed",
			slog.String("task_id", delivery.Message.ID), slog.Any("error", err))
	}
}
