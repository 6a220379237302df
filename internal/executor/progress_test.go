package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/registry"
)

func TestReportProgressUpdatesBackend(t *testing.T) {
	f := newExecFixture(t)
	var seen domain.TaskState
	registry.Register(f.reg, "reports.build", func(ctx context.Context, _ struct{}) (struct{}, error) {
		require.NoError(t, ReportProgress(ctx, map[string]string{"pct": "50"}))
		res, err := f.backend.GetResult(ctx, "t1")
		require.NoError(t, err)
		seen = res.State
		require.Equal(t, "50", res.Metadata["pct"])
		return struct{}{}, nil
	}, registry.Options{})

	res := f.process(taskMessage("t1", "reports.build"))
	require.Equal(t, domain.StateProgress, seen)
	require.Equal(t, domain.StateSuccess, res.State)
}

func TestReportProgressOutsideExecutorIsNoOp(t *testing.T) {
	require.NoError(t, ReportProgress(context.Background(), map[string]string{"pct": "10"}))
}
