// Package dispatcher contains the background loops that move scheduled work
// to the broker: the delayed-message dispatcher and the outbox relay.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/observability"
)

// Delayed drains due messages from the delayed store into the broker. Its
// sleep adapts to the next delivery time, bounded by [MinSleep, MaxSleep] so
// it neither polls hot nor oversleeps new work.
type Delayed struct {
	Store  domain.DelayedStore
	Broker domain.Broker
	Clock  domain.Clock
	Obs    *observability.Metrics

	MinSleep      time.Duration
	MaxSleep      time.Duration
	RetryInterval time.Duration
}

func (d *Delayed) defaults() {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.MinSleep <= 0 {
		d.MinSleep = 100 * time.Millisecond
	}
	if d.MaxSleep <= 0 {
		d.MaxSleep = 5 * time.Second
	}
	if d.RetryInterval <= 0 {
		d.RetryInterval = 30 * time.Second
	}
}

// Run loops until ctx is done.
func (d *Delayed) Run(ctx context.Context) {
	d.defaults()
	timer := time.NewTimer(d.MinSleep)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		d.DispatchDue(ctx)
		timer.Reset(d.nextSleep(ctx))
	}
}

// DispatchDue drains everything due now. Exposed for tests and for the
// worker's final drain on shutdown.
func (d *Delayed) DispatchDue(ctx context.Context) {
	d.defaults()
	now := d.Clock()
	due, err := d.Store.GetDueMessages(ctx, now)
	if err != nil {
		slog.Error("delayed store read failed", slog.Any("error", err))
		return
	}
	for _, delayed := range due {
		if err := d.publish(ctx, delayed.Message); err != nil {
			slog.Warn("delayed publish failed, re-scheduling",
				slog.String("task_id", delayed.TaskID),
				slog.Duration("retry_in", d.RetryInterval),
				slog.Any("error", err))
			if addErr := d.Store.Add(ctx, delayed.Message, now.Add(d.RetryInterval)); addErr != nil {
				slog.Error("delayed re-schedule failed",
					slog.String("task_id", delayed.TaskID), slog.Any("error", addErr))
			}
		}
	}
	if d.Obs != nil {
		if n, err := d.Store.PendingCount(ctx); err == nil {
			d.Obs.DelayedPending.Set(float64(n))
		}
	}
}

func (d *Delayed) publish(ctx context.Context, msg domain.TaskMessage) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		return d.Broker.Publish(ctx, msg.Queue, msg)
	}, bo)
}

// nextSleep derives the adaptive sleep from the earliest pending delivery.
func (d *Delayed) nextSleep(ctx context.Context) time.Duration {
	next, err := d.Store.NextDeliveryTime(ctx)
	if err != nil || next.IsZero() {
		return d.MaxSleep
	}
	sleep := next.Sub(d.Clock())
	if sleep < d.MinSleep {
		return d.MinSleep
	}
	if sleep > d.MaxSleep {
		return d.MaxSleep
	}
	return sleep
}
