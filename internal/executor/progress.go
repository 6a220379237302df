package executor

import "context"

// ProgressFunc reports intermediate task progress. The update is persisted
// as the non-terminal Progress state and never overwrites a terminal result.
type ProgressFunc func(ctx context.Context, metadata map[string]string) error

type progressKeyType struct{}

var progressKey progressKeyType

// WithProgressReporter attaches a progress reporter to a handler context.
func WithProgressReporter(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey, fn)
}

// ReportProgress publishes a progress update from inside a task handler. It
// is a no-op outside an executor-managed context.
func ReportProgress(ctx context.Context, metadata map[string]string) error {
	fn, ok := ctx.Value(progressKey).(ProgressFunc)
	if !ok {
		return nil
	}
	return fn(ctx, metadata)
}
