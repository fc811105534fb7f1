package loop

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/thruflo/warden/internal/config"
)

// Metrics records loop activity. A nil *Metrics records nothing.
type Metrics struct {
	iterations     *prometheus.CounterVec
	pauses         *prometheus.CounterVec
	agentDuration  prometheus.Histogram
	syncFailures   *prometheus.CounterVec
	tasksCompleted prometheus.Gauge
}

// NewMetrics creates the loop metrics and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		iterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_iterations_total",
				Help: "Agent iterations by reported outcome status",
			},
			[]string{"status"},
		),
		pauses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_pauses_total",
				Help: "Session pauses by reason",
			},
			[]string{"reason"},
		),
		agentDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_agent_invocation_seconds",
				Help:    "Wall time of a single agent invocation",
				Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
		),
		syncFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_sync_failures_total",
				Help: "Document transfers that failed after retries",
			},
			[]string{"direction", "document"},
		),
		tasksCompleted: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_tasks_completed",
				Help: "Passing tasks after the most recent iteration",
			},
		),
	}
}

// ObserveIteration counts one finished iteration.
func (m *Metrics) ObserveIteration(status string) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(status).Inc()
}

// ObservePause counts one pause.
func (m *Metrics) ObservePause(reason config.PauseReason) {
	if m == nil {
		return
	}
	m.pauses.WithLabelValues(string(reason)).Inc()
}

// ObserveAgent records how long an invocation took.
func (m *Metrics) ObserveAgent(d time.Duration) {
	if m == nil {
		return
	}
	m.agentDuration.Observe(d.Seconds())
}

// ObserveSyncFailure counts a failed document transfer.
func (m *Metrics) ObserveSyncFailure(direction, document string) {
	if m == nil {
		return
	}
	m.syncFailures.WithLabelValues(direction, document).Inc()
}

// SetTasksCompleted records the current number of passing tasks.
func (m *Metrics) SetTasksCompleted(n int) {
	if m == nil {
		return
	}
	m.tasksCompleted.Set(float64(n))
}
