// Package worker runs the consume loop: it pulls broker deliveries, fans
// them out to the executor under a concurrency bound, and drains gracefully
// on shutdown.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/breaker"
	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/executor"
	"github.com/fairyhunter13/celerity/internal/metrics"
)

// Config wires a Worker.
type Config struct {
	Broker     domain.Broker
	Executor   *executor.Executor
	Counters   *metrics.Service
	KillSwitch *breaker.KillSwitch

	WorkerID                 string
	Queues                   []string
	Concurrency              int
	Prefetch                 int
	ShutdownTimeout          time.Duration
	ShutdownProgressInterval time.Duration
	NackOnForcedShutdown     bool
}

// Worker is one consuming process.
type Worker struct {
	cfg Config

	mu     sync.Mutex
	active map[string]time.Time
}

// New builds a Worker.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Concurrency
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ShutdownProgressInterval <= 0 {
		cfg.ShutdownProgressInterval = 5 * time.Second
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"celery"}
	}
	return &Worker{cfg: cfg, active: make(map[string]time.Time)}
}

// Run consumes until ctx is cancelled, then drains. The consume stream
// closes with ctx; running tasks get up to ShutdownTimeout to finish before
// their contexts are cancelled.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.cfg.Broker.Consume(ctx, w.cfg.Queues, w.cfg.Prefetch)
	if err != nil {
		return err
	}
	if w.cfg.Counters != nil {
		for _, q := range w.cfg.Queues {
			w.cfg.Counters.ConsumerRegistered(q)
		}
		defer func() {
			for _, q := range w.cfg.Queues {
				w.cfg.Counters.ConsumerUnregistered(q)
			}
		}()
	}
	slog.Info("worker started",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.Any("queues", w.cfg.Queues),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Int("prefetch", w.cfg.Prefetch))

	// Task execution is parented to runCtx, not ctx, so a graceful stop
	// does not cancel work in flight.
	runCtx, forceCancel := context.WithCancel(context.Background())
	defer forceCancel()

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for delivery := range deliveries {
		if w.cfg.KillSwitch != nil {
			if err := w.cfg.KillSwitch.WaitUntilReady(ctx); err != nil {
				break
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			// Undispatched delivery at shutdown goes back to the broker.
			if err := w.cfg.Broker.Nack(context.Background(), delivery.DeliveryTag, true); err != nil {
				slog.Warn("shutdown nack failed", slog.Any("error", err))
			}
			break
		}
		wg.Add(1)
		w.trackStart(delivery.Message.ID)
		go func(d domain.BrokerMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			defer w.trackStop(d.Message.ID)
			w.cfg.Executor.Process(runCtx, d)
		}(delivery)
	}

	return w.drain(&wg, forceCancel)
}

// drain waits for active tasks with progress logging, forcing cancellation
// after the shutdown timeout when configured.
func (w *Worker) drain(wg *sync.WaitGroup, forceCancel context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	progress := time.NewTicker(w.cfg.ShutdownProgressInterval)
	defer progress.Stop()
	deadline := time.NewTimer(w.cfg.ShutdownTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-done:
			slog.Info("worker drained", slog.String("worker_id", w.cfg.WorkerID))
			return nil
		case <-progress.C:
			slog.Info("shutdown in progress",
				slog.String("worker_id", w.cfg.WorkerID),
				slog.Int("active_tasks", w.activeCount()),
				slog.Any("task_ids", w.activeIDs(5)))
		case <-deadline.C:
			if !w.cfg.NackOnForcedShutdown {
				slog.Warn("shutdown timeout reached, abandoning tasks",
					slog.Int("active_tasks", w.activeCount()))
				return nil
			}
			slog.Warn("shutdown timeout reached, cancelling tasks",
				slog.Int("active_tasks", w.activeCount()))
			forceCancel()
			<-done
			return nil
		}
	}
}

func (w *Worker) trackStart(taskID string) {
	w.mu.Lock()
	w.active[taskID] = time.Now()
	w.mu.Unlock()
}

func (w *Worker) trackStop(taskID string) {
	w.mu.Lock()
	delete(w.active, taskID)
	w.mu.Unlock()
}

func (w *Worker) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *Worker) activeIDs(limit int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, limit)
	for id := range w.active {
		ids = append(ids, id)
		if len(ids) >= limit {
			break
		}
	}
	return ids
}
