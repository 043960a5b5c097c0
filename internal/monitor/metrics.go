package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/t77yq/jobscheduler/internal/model"
)

const namespace = "jobscheduler"

// Metrics records execution metrics in Prometheus
type Metrics struct {
	executions     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	lockContention *prometheus.CounterVec
	retries        *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished job executions",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of job executions",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"job"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Attempts skipped because another instance held the job lock",
		}, []string{"job"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Total number of retries scheduled",
		}, []string{"job"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Job executions currently running on this instance",
		}),
	}

	reg.MustRegister(m.executions, m.duration, m.lockContention, m.retries, m.inFlight)
	return m
}

// ExecutionStarted implements executor.Recorder
func (m *Metrics) ExecutionStarted(string) {
	m.inFlight.Inc()
}

// ExecutionFinished implements executor.Recorder
func (m *Metrics) ExecutionFinished(jobName string, status model.ExecutionStatus, d time.Duration) {
	m.inFlight.Dec()
	m.executions.WithLabelValues(jobName, string(status)).Inc()
	if status != model.ExecutionStatusCancelled {
		m.duration.WithLabelValues(jobName).Observe(d.Seconds())
	}
}

// LockContention implements executor.Recorder
func (m *Metrics) LockContention(jobName string) {
	m.lockContention.WithLabelValues(jobName).Inc()
}

// RetryScheduled implements executor.Recorder
func (m *Metrics) RetryScheduled(jobName string) {
	m.retries.WithLabelValues(jobName).Inc()
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
