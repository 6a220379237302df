package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/observability"
)

// OutboxRelay moves pending outbox rows to the broker in sequence order and
// prunes dispatched rows past their retention.
type OutboxRelay struct {
	Outbox domain.OutboxStore
	Broker domain.Broker
	Clock  domain.Clock
	Obs    *observability.Metrics

	BatchSize       int
	PollInterval    time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
}

func (r *OutboxRelay) defaults() {
	if r.Clock == nil {
		r.Clock = time.Now
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.PollInterval <= 0 {
		r.PollInterval = time.Second
	}
	if r.Retention <= 0 {
		r.Retention = 24 * time.Hour
	}
	if r.CleanupInterval <= 0 {
		r.CleanupInterval = time.Hour
	}
}

// Run polls and relays until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context) {
	r.defaults()
	poll := time.NewTicker(r.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(r.CleanupInterval)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			r.RelayPending(ctx)
		case <-cleanup.C:
			if n, err := r.Outbox.CleanupOlderThan(ctx, r.Retention); err != nil {
				slog.Warn("outbox cleanup failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("outbox cleaned up", slog.Int("rows", n))
			}
		}
	}
}

// RelayPending publishes one batch of pending rows. Exposed for tests.
func (r *OutboxRelay) RelayPending(ctx context.Context) {
	r.defaults()
	rows, err := r.Outbox.GetPending(ctx, r.BatchSize)
	if err != nil {
		slog.Error("outbox read failed", slog.Any("error", err))
		return
	}
	var pending int
	for _, row := range rows {
		if err := r.Broker.Publish(ctx, row.Message.Queue, row.Message); err != nil {
			slog.Warn("outbox publish failed",
				slog.String("outbox_id", row.ID),
				slog.String("task_id", row.Message.ID),
				slog.Int("attempts", row.Attempts+1),
				slog.Any("error", err))
			if markErr := r.Outbox.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
				slog.Error("outbox mark-failed failed",
					slog.String("outbox_id", row.ID), slog.Any("error", markErr))
			}
			pending++
			continue
		}
		if err := r.Outbox.MarkDispatched(ctx, row.ID); err != nil {
			slog.Error("outbox mark-dispatched failed",
				slog.String("outbox_id", row.ID), slog.Any("error", err))
		}
	}
	if r.Obs != nil {
		r.Obs.OutboxPending.Set(float64(pending))
	}
}
