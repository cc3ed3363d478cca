package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the orchestrator.
type Metrics struct {
	ActiveExecutions  prometheus.Gauge
	SlotQueueDepth    prometheus.Gauge
	TaskEvents        *prometheus.CounterVec
	SyncRuns          *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ProposalWait      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveExecutions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of executions currently holding a slot.",
		}),
		SlotQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_queue_depth",
			Help:      "Number of admitted-but-waiting tasks in the slot queue.",
		}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		SyncRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Reconciler runs by result.",
		}, []string{"result"}),
		ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of completed executions in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		ProposalWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proposal_wait_seconds",
			Help:      "Time proposals spend pending before resolution.",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 3600},
		}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveExecutionDuration(d time.Duration) {
	m.ExecutionDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveProposalWait(d time.Duration) {
	m.ProposalWait.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
