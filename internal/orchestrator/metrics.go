package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	taskDuration *prometheus.HistogramVec
	taskFailures *prometheus.CounterVec
	pollTicks    *prometheus.CounterVec
	tasksActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the orchestrator is instantiated multiple
// times (e.g. in unit tests or one instance per open task surface).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will panic
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "otto",
			Subsystem: "orchestrator",
			Name:      "task_duration_seconds",
			Help:      "Wall time from task creation to its terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"backend", "status"},
	)
	taskFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "orchestrator",
			Name:      "task_failures_total",
			Help:      "Total number of tasks that reached the failed state.",
		},
		[]string{"backend", "reason"},
	)
	pollTicks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "orchestrator",
			Name:      "status_polls_total",
			Help:      "Number of pull-based status checks issued.",
		},
		[]string{"backend"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "otto",
			Subsystem: "orchestrator",
			Name:      "tasks_active",
			Help:      "Number of tasks currently tracked live by an orchestrator.",
		},
	)

	collectors := []prometheus.Collector{taskDuration, taskFailures, pollTicks, tasksActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected type.
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case taskFailures:
						taskFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case pollTicks:
						pollTicks = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		taskDuration: taskDuration,
		taskFailures: taskFailures,
		pollTicks:    pollTicks,
		tasksActive:  tasksActive,
	}
}

// ObserveTaskDuration records the lifetime of a task with its terminal status.
func (m *Metrics) ObserveTaskDuration(backend string, status string, duration time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
}

// IncTaskFailure increments the failure counter for the given backend and reason.
func (m *Metrics) IncTaskFailure(backend string, reason string) {
	if m == nil || m.taskFailures == nil {
		return
	}
	m.taskFailures.WithLabelValues(backend, reason).Inc()
}

// IncPoll counts one pull-based status check.
func (m *Metrics) IncPoll(backend string) {
	if m == nil || m.pollTicks == nil {
		return
	}
	m.pollTicks.WithLabelValues(backend).Inc()
}

// IncActiveTasks marks a task as live.
func (m *Metrics) IncActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// DecActiveTasks marks a task as finished or abandoned.
func (m *Metrics) DecActiveTasks() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}
