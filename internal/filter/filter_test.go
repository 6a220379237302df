package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
)

type recordingFilter struct {
	name string
	log  *[]string

	executingErr   error
	executingPanic bool
	executedPanic  bool
	skip           bool
}

func (f *recordingFilter) OnExecuting(_ context.Context, inv *Invocation) error {
	*f.log = append(*f.log, f.name+".executing")
	if f.executingPanic {
		panic("broken filter")
	}
	if f.skip {
		inv.SkipExecution = true
	}
	return f.executingErr
}

func (f *recordingFilter) OnExecuted(context.Context, *Invocation) {
	*f.log = append(*f.log, f.name+".executed")
	if f.executedPanic {
		panic("broken filter")
	}
}

func TestPipelineRunsInOrderAndUnwindsInReverse(t *testing.T) {
	var log []string
	p := NewPipeline(
		&recordingFilter{name: "a", log: &log},
		&recordingFilter{name: "b", log: &log},
	)
	inv := NewInvocation(domain.TaskMessage{ID: "t1", Task: "x"}, "celery")

	ran, err := p.RunExecuting(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, 2, ran)

	p.RunExecuted(context.Background(), inv, ran)
	require.Equal(t, []string{"a.executing", "b.executing", "b.executed", "a.executed"}, log)
}

func TestPipelineStopsOnErrorAndUnwindsOnlyRanFilters(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	p := NewPipeline(
		&recordingFilter{name: "a", log: &log},
		&recordingFilter{name: "b", log: &log, executingErr: boom},
		&recordingFilter{name: "c", log: &log},
	)
	inv := NewInvocation(domain.TaskMessage{ID: "t1"}, "celery")

	ran, err := p.RunExecuting(context.Background(), inv)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, ran)

	p.RunExecuted(context.Background(), inv, ran)
	require.Equal(t, []string{"a.executing", "b.executing", "a.executed"}, log)
}

func TestPipelineSkipStopsLaterFiltersButCountsCurrent(t *testing.T) {
	var log []string
	p := NewPipeline(
		&recordingFilter{name: "a", log: &log, skip: true},
		&recordingFilter{name: "b", log: &log},
	)
	inv := NewInvocation(domain.TaskMessage{ID: "t1"}, "celery")

	ran, err := p.RunExecuting(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	require.True(t, inv.SkipExecution)

	p.RunExecuted(context.Background(), inv, ran)
	require.Equal(t, []string{"a.executing", "a.executed"}, log)
}

func TestPipelinePanicsBecomeErrors(t *testing.T) {
	var log []string
	p := NewPipeline(&recordingFilter{name: "a", log: &log, executingPanic: true})
	inv := NewInvocation(domain.TaskMessage{ID: "t1"}, "celery")

	ran, err := p.RunExecuting(context.Background(), inv)
	require.ErrorIs(t, err, domain.ErrInternal)
	require.Zero(t, ran)
}

func TestPipelineExecutedPanicDoesNotStopUnwind(t *testing.T) {
	var log []string
	p := NewPipeline(
		&recordingFilter{name: "a", log: &log},
		&recordingFilter{name: "b", log: &log, executedPanic: true},
	)
	inv := NewInvocation(domain.TaskMessage{ID: "t1"}, "celery")

	ran, err := p.RunExecuting(context.Background(), inv)
	require.NoError(t, err)
	p.RunExecuted(context.Background(), inv, ran)
	require.Equal(t, []string{"a.executing", "b.executing", "b.executed", "a.executed"}, log)
}
