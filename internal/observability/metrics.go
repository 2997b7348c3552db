package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TaskEvents      *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	StepDuration    *prometheus.HistogramVec
	ApprovalWait    prometheus.Histogram
	RunningTasks    prometheus.Gauge
	NotifyErrors    *prometheus.CounterVec
	LedgerErrors    *prometheus.CounterVec
	ArtifactsServed prometheus.Counter
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TaskEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_duration_seconds",
			Help:      "Wall time of a task run from start to terminal state.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of individual plan steps by action and outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"action", "outcome"}),
		ApprovalWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_approval_wait_seconds",
			Help:      "Time between task creation and approval.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		RunningTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Number of tasks currently executing.",
		}),
		NotifyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_errors_total",
			Help:      "Failed requester notifications by sink.",
		}, []string{"sink"}),
		LedgerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_errors_total",
			Help:      "Ledger operation failures by operation.",
		}, []string{"op"}),
		ArtifactsServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_served_total",
			Help:      "Artifacts downloaded through the operator API.",
		}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveStep(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(action, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveTaskApprovalWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalWait.Observe(d.Seconds())
}

func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.RunningTasks.Set(1)
		return
	}
	m.RunningTasks.Set(0)
}

func (m *Metrics) ObserveNotifyError(sink string) {
	if m == nil {
		return
	}
	m.NotifyErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) ObserveLedgerError(op string) {
	if m == nil {
		return
	}
	m.LedgerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveArtifactServed() {
	if m == nil {
		return
	}
	m.ArtifactsServed.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsHandlerFor serves a non-default registry.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
