package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the prometheus collectors the worker exposes. Tests
// instantiate an isolated set against their own registry; the process-wide
// facade is initialized once via Init and never lazily.
type Metrics struct {
	TasksEnqueued  *prometheus.CounterVec
	TasksProcessed *prometheus.CounterVec
	TasksRunning   *prometheus.GaugeVec
	TasksWaiting   *prometheus.GaugeVec
	TaskDuration   *prometheus.HistogramVec
	DLQDepth       prometheus.Gauge
	OutboxPending  prometheus.Gauge
	DelayedPending prometheus.Gauge
}

// NewMetrics builds and registers collectors against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "celerity_tasks_enqueued_total",
			Help: "Tasks published to the broker, by queue.",
		}, []string{"queue"}),
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "celerity_tasks_processed_total",
			Help: "Tasks finished by the executor, by queue and terminal state.",
		}, []string{"queue", "state"}),
		TasksRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "celerity_tasks_running",
			Help: "Tasks currently executing, by queue.",
		}, []string{"queue"}),
		TasksWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "celerity_tasks_waiting",
			Help: "Tasks enqueued but not yet started, by queue.",
		}, []string{"queue"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "celerity_task_duration_seconds",
			Help:    "Task execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "celerity_dlq_depth",
			Help: "Dead-letter rows currently stored.",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "celerity_outbox_pending",
			Help: "Outbox rows awaiting dispatch.",
		}),
		DelayedPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "celerity_delayed_pending",
			Help: "Delayed messages awaiting delivery.",
		}),
	}
	reg.MustRegister(
		m.TasksEnqueued, m.TasksProcessed, m.TasksRunning, m.TasksWaiting,
		m.TaskDuration, m.DLQDepth, m.OutboxPending, m.DelayedPending,
	)
	return m
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Init registers the process-wide metrics against the default prometheus
// registry. Safe to call more than once.
func Init() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Default returns the process-wide metrics, or nil when Init was not called.
func Default() *Metrics { return defaultMetrics }
