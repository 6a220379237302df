// Package metrics tracks live per-queue counters and rolls them up into
// time-bucketed historical snapshots.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/domain"
	"github.com/fairyhunter13/celerity/internal/observability"
)

// Bucket sizes the historical queries accept, in ascending order.
var validBuckets = []time.Duration{
	time.Minute,
	time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
}

// NormalizeBucket clamps a requested granularity to the closest supported
// bucket size at or above it.
func NormalizeBucket(d time.Duration) time.Duration {
	for _, b := range validBuckets {
		if d <= b {
			return b
		}
	}
	return validBuckets[len(validBuckets)-1]
}

// QueueCounters is the live counter set for one queue.
type QueueCounters struct {
	Queue           string    `json:"queue"`
	Waiting         int64     `json:"waiting"`
	Running         int64     `json:"running"`
	Processed       int64     `json:"processed"`
	Success         int64     `json:"success"`
	Failure         int64     `json:"failure"`
	Retry           int64     `json:"retry"`
	Revoked         int64     `json:"revoked"`
	ConsumerCount   int64     `json:"consumerCount"`
	TotalDurationMs int64     `json:"totalDurationMs"`
	LastEnqueuedAt  time.Time `json:"lastEnqueuedAt,omitempty"`
	LastCompletedAt time.Time `json:"lastCompletedAt,omitempty"`
}

// AvgDurationMs returns the mean execution time over processed tasks.
func (c QueueCounters) AvgDurationMs() float64 {
	if c.Processed == 0 {
		return 0
	}
	return float64(c.TotalDurationMs) / float64(c.Processed)
}

type accumKey struct {
	task  string
	queue string
}

type accum struct {
	success, failure, retry, revoked int64
	totalMs                          int64
	samples                          int64
}

// Service is the C18 counter service. It feeds the prometheus registry on
// every event and, when a historical store is configured, flushes per
// (task, queue) snapshots on an interval.
type Service struct {
	mu      sync.Mutex
	queues  map[string]*QueueCounters
	pending map[accumKey]*accum

	history   domain.HistoricalMetricsStore
	obs       *observability.Metrics
	clock     domain.Clock
	retention time.Duration
	flushIvl  time.Duration
}

// Config wires a Service. History and Obs are optional.
type Config struct {
	History       domain.HistoricalMetricsStore
	Obs           *observability.Metrics
	Clock         domain.Clock
	Retention     time.Duration
	FlushInterval time.Duration
}

// New builds a Service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	return &Service{
		queues:    make(map[string]*QueueCounters),
		pending:   make(map[accumKey]*accum),
		history:   cfg.History,
		obs:       cfg.Obs,
		clock:     cfg.Clock,
		retention: cfg.Retention,
		flushIvl:  cfg.FlushInterval,
	}
}

func (s *Service) queue(name string) *QueueCounters {
	q, ok := s.queues[name]
	if !ok {
		q = &QueueCounters{Queue: name}
		s.queues[name] = q
	}
	return q
}

// TaskEnqueued counts a producer-side enqueue.
func (s *Service) TaskEnqueued(queue, task string) {
	s.mu.Lock()
	q := s.queue(queue)
	q.Waiting++
	q.LastEnqueuedAt = s.clock()
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.TasksEnqueued.WithLabelValues(queue).Inc()
		s.obs.TasksWaiting.WithLabelValues(queue).Inc()
	}
}

// TaskStarted moves one task from waiting to running.
func (s *Service) TaskStarted(queue, task string) {
	s.mu.Lock()
	q := s.queue(queue)
	if q.Waiting > 0 {
		q.Waiting--
	}
	q.Running++
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.TasksWaiting.WithLabelValues(queue).Dec()
		s.obs.TasksRunning.WithLabelValues(queue).Inc()
	}
}

// TaskFinished records a terminal or retry outcome.
func (s *Service) TaskFinished(queue, task string, state domain.TaskState, duration time.Duration) {
	ms := duration.Milliseconds()
	s.mu.Lock()
	q := s.queue(queue)
	if q.Running > 0 {
		q.Running--
	}
	key := accumKey{task: task, queue: queue}
	a, ok := s.pending[key]
	if !ok {
		a = &accum{}
		s.pending[key] = a
	}
	switch state {
	case domain.StateSuccess:
		q.Processed++
		q.Success++
		q.TotalDurationMs += ms
		q.LastCompletedAt = s.clock()
		a.success++
		a.totalMs += ms
		a.samples++
	case domain.StateRetry, domain.StateRequeued:
		q.Retry++
		a.retry++
	case domain.StateRevoked:
		q.Revoked++
		a.revoked++
	default:
		q.Processed++
		q.Failure++
		q.TotalDurationMs += ms
		q.LastCompletedAt = s.clock()
		a.failure++
		a.totalMs += ms
		a.samples++
	}
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.TasksRunning.WithLabelValues(queue).Dec()
		s.obs.TasksProcessed.WithLabelValues(queue, string(state)).Inc()
		if state.IsTerminal() {
			s.obs.TaskDuration.WithLabelValues(task).Observe(duration.Seconds())
		}
	}
}

// ConsumerRegistered counts a consumer joining the queue.
func (s *Service) ConsumerRegistered(queue string) {
	s.mu.Lock()
	s.queue(queue).ConsumerCount++
	s.mu.Unlock()
}

// ConsumerUnregistered counts a consumer leaving the queue.
func (s *Service) ConsumerUnregistered(queue string) {
	s.mu.Lock()
	q := s.queue(queue)
	if q.ConsumerCount > 0 {
		q.ConsumerCount--
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the live counters for one queue.
func (s *Service) Snapshot(queue string) QueueCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.queue(queue)
}

// Run flushes pending snapshots to the historical store until ctx is done,
// with one final flush on the way out.
func (s *Service) Run(ctx context.Context) {
	if s.history == nil {
		return
	}
	ticker := time.NewTicker(s.flushIvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush writes and clears the accumulated per (task, queue) snapshots.
func (s *Service) Flush(ctx context.Context) {
	if s.history == nil {
		return
	}
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[accumKey]*accum)
	s.mu.Unlock()

	now := s.clock()
	for key, a := range batch {
		snap := domain.MetricsSnapshot{
			TaskName:  key.task,
			Queue:     key.queue,
			Success:   a.success,
			Failure:   a.failure,
			Retry:     a.retry,
			Revoked:   a.revoked,
			Timestamp: now,
		}
		if a.samples > 0 {
			snap.AvgExecutionMs = float64(a.totalMs) / float64(a.samples)
			snap.ExecutionSample = true
		}
		if s.retention > 0 {
			t := now.Add(s.retention)
			snap.ExpiresAt = &t
		}
		if err := s.history.Record(ctx, snap); err != nil {
			slog.Warn("metrics snapshot write failed",
				slog.String("task", key.task),
				slog.String("queue", key.queue),
				slog.Any("error", err))
		}
	}
}

// TimeSeriesPoint is one historical bucket plus its derived throughput.
type TimeSeriesPoint struct {
	domain.MetricsSnapshot
	TasksPerSecond float64 `json:"tasksPerSecond"`
}

// GetTimeSeries queries epoch-aligned buckets, clamping the granularity to
// the supported sizes, and derives tasks_per_second = processed / bucket.
func (s *Service) GetTimeSeries(ctx context.Context, from, until time.Time, granularity time.Duration) ([]TimeSeriesPoint, error) {
	if s.history == nil {
		return nil, fmt.Errorf("op=metrics.timeSeries: no historical store configured")
	}
	bucket := NormalizeBucket(granularity)
	snaps, err := s.history.GetTimeSeries(ctx, from, until, bucket)
	if err != nil {
		return nil, fmt.Errorf("op=metrics.timeSeries: %w", err)
	}
	out := make([]TimeSeriesPoint, len(snaps))
	for i, snap := range snaps {
		processed := snap.Success + snap.Failure
		out[i] = TimeSeriesPoint{
			MetricsSnapshot: snap,
			TasksPerSecond:  float64(processed) / bucket.Seconds(),
		}
	}
	return out, nil
}

// GetMetrics returns one scalar aggregate over the window.
func (s *Service) GetMetrics(ctx context.Context, from, until time.Time) (domain.MetricsSnapshot, error) {
	if s.history == nil {
		return domain.MetricsSnapshot{}, fmt.Errorf("op=metrics.getMetrics: no historical store configured")
	}
	return s.history.GetMetrics(ctx, from, until)
}

// GetMetricsByTaskName groups the window's snapshots by task name.
func (s *Service) GetMetricsByTaskName(ctx context.Context, from, until time.Time) (map[string]domain.TaskNameMetrics, error) {
	if s.history == nil {
		return nil, fmt.Errorf("op=metrics.byTaskName: no historical store configured")
	}
	return s.history.GetMetricsByTaskName(ctx, from, until)
}
