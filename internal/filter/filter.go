// Package filter implements the ordered around-invoke hook pipeline that
// wraps every task execution.
package filter

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// Invocation is the mutable context threaded through the pipeline for one
// task execution. Filters communicate with each other through Properties
// and with the executor through the Skip/Requeue fields.
type Invocation struct {
	TaskID   string
	TaskName string
	Queue    string
	Message  domain.TaskMessage

	// Properties carries filter↔filter state for this invocation.
	Properties map[string]any

	// SkipExecution short-circuits dispatch when set by OnExecuting.
	SkipExecution bool
	// RequeueMessage asks the executor to requeue instead of acking away.
	RequeueMessage bool
	// RequeueDelay is applied relative to now when requeueing.
	RequeueDelay time.Duration

	// Result is the task outcome, available to OnExecuted hooks.
	Result *domain.TaskResult
}

// NewInvocation builds an Invocation for a broker delivery.
func NewInvocation(msg domain.TaskMessage, queue string) *Invocation {
	return &Invocation{
		TaskID:     msg.ID,
		TaskName:   msg.Task,
		Queue:      queue,
		Message:    msg,
		Properties: make(map[string]any),
	}
}

// Filter is an around-invoke hook. OnExecuted runs, in reverse order, for
// every filter whose OnExecuting ran, regardless of outcome (release
// semantics).
type Filter interface {
	OnExecuting(ctx context.Context, inv *Invocation) error
	OnExecuted(ctx context.Context, inv *Invocation)
}

// Pipeline is an ordered list of filters.
type Pipeline struct {
	filters []Filter
}

// NewPipeline builds a pipeline over the given filters, first to run first.
func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{filters: filters}
}

// RunExecuting invokes OnExecuting in order until a filter errors or sets
// SkipExecution. It returns how many filters completed OnExecuting (the
// count RunExecuted must unwind) and the first error, if any. Panics are
// converted to errors so a broken filter fails the task instead of the
// worker.
func (p *Pipeline) RunExecuting(ctx context.Context, inv *Invocation) (ran int, err error) {
	for _, f := range p.filters {
		if hookErr := p.safeExecuting(ctx, f, inv); hookErr != nil {
			return ran, hookErr
		}
		ran++
		if inv.SkipExecution {
			break
		}
	}
	return ran, nil
}

func (p *Pipeline) safeExecuting(ctx context.Context, f Filter, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("filter OnExecuting panicked",
				slog.String("task_id", inv.TaskID), slog.Any("panic", r))
			err = domain.ErrInternal
		}
	}()
	return f.OnExecuting(ctx, inv)
}

// RunExecuted invokes OnExecuted in reverse order over the first ran
// filters. Hook failures are logged and never alter the persisted outcome.
func (p *Pipeline) RunExecuted(ctx context.Context, inv *Invocation, ran int) {
	if ran > len(p.filters) {
		ran = len(p.filters)
	}
	for i := ran - 1; i >= 0; i-- {
		func(f Filter) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("filter OnExecuted panicked",
						slog.String("task_id", inv.TaskID), slog.Any("panic", r))
				}
			}()
			f.OnExecuted(ctx, inv)
		}(p.filters[i])
	}
}

// Len returns the number of filters in the pipeline.
func (p *Pipeline) Len() int { return len(p.filters) }
