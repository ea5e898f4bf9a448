package metrics

import (
	"form-fanout/internal/models"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks queue counters per job type
type Metrics struct {
	registry *prometheus.Registry

	enqueuedJobs  *prometheus.CounterVec
	claimedJobs   *prometheus.CounterVec
	completedJobs *prometheus.CounterVec
	failedJobs    *prometheus.CounterVec
	retriedJobs   *prometheus.CounterVec
	skippedJobs   *prometheus.CounterVec
	lostClaims    *prometheus.CounterVec
	invocations   *prometheus.CounterVec
}

// NewMetrics creates a metrics instance on its own registry
func NewMetrics() *Metrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fanout",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		enqueuedJobs:  counter("enqueued_jobs_total", "Jobs appended to the queue.", "job_type"),
		claimedJobs:   counter("claimed_jobs_total", "Rows claimed for a run.", "job_type"),
		completedJobs: counter("completed_jobs_total", "Rows marked DONE.", "job_type"),
		failedJobs:    counter("failed_jobs_total", "Rows marked ERROR after exhausting attempts.", "job_type"),
		retriedJobs:   counter("retried_jobs_total", "Rows returned to PENDING with a backoff.", "job_type"),
		skippedJobs:   counter("skipped_jobs_total", "Rows marked SKIP.", "job_type"),
		lostClaims:    counter("lost_claims_total", "Claims lost to a concurrent writer.", "job_type"),
		invocations:   counter("worker_invocations_total", "Worker invocations by outcome.", "job_type", "outcome"),
	}

	m.registry.MustRegister(
		m.enqueuedJobs,
		m.claimedJobs,
		m.completedJobs,
		m.failedJobs,
		m.retriedJobs,
		m.skippedJobs,
		m.lostClaims,
		m.invocations,
	)
	return m
}

// IncrementEnqueuedJobs increments the enqueued jobs counter
func (m *Metrics) IncrementEnqueuedJobs(t models.JobType) {
	m.enqueuedJobs.WithLabelValues(string(t)).Inc()
}

// IncrementClaimedJobs increments the claimed jobs counter
func (m *Metrics) IncrementClaimedJobs(t models.JobType) {
	m.claimedJobs.WithLabelValues(string(t)).Inc()
}

// IncrementCompletedJobs increments the completed jobs counter
func (m *Metrics) IncrementCompletedJobs(t models.JobType) {
	m.completedJobs.WithLabelValues(string(t)).Inc()
}

// IncrementFailedJobs increments the failed jobs counter
func (m *Metrics) IncrementFailedJobs(t models.JobType) {
	m.failedJobs.WithLabelValues(string(t)).Inc()
}

// IncrementRetriedJobs increments the retried jobs counter
func (m *Metrics) IncrementRetriedJobs(t models.JobType) {
	m.retriedJobs.WithLabelValues(string(t)).Inc()
}

// IncrementSkippedJobs increments the skipped jobs counter
func (m *Metrics) IncrementSkippedJobs(t models.JobType) {
	m.skippedJobs.WithLabelValues(string(t)).Inc()
}

// IncrementLostClaims increments the lost claim counter
func (m *Metrics) IncrementLostClaims(t models.JobType) {
	m.lostClaims.WithLabelValues(string(t)).Inc()
}

// ObserveInvocation records the outcome of one worker invocation
func (m *Metrics) ObserveInvocation(t models.JobType, outcome string) {
	m.invocations.WithLabelValues(string(t), outcome).Inc()
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GetSnapshot returns counter totals summed across labels, keyed by
// metric name without namespace and suffix (e.g. "completed_jobs")
func (m *Metrics) GetSnapshot() map[string]int64 {
	snapshot := map[string]int64{
		"enqueued_jobs":      0,
		"claimed_jobs":       0,
		"completed_jobs":     0,
		"failed_jobs":        0,
		"retried_jobs":       0,
		"skipped_jobs":       0,
		"lost_claims":        0,
		"worker_invocations": 0,
	}

	families, err := m.registry.Gather()
	if err != nil {
		return snapshot
	}
	for _, mf := range families {
		name := trimName(mf.GetName())
		for _, metric := range mf.GetMetric() {
			snapshot[name] += int64(metric.GetCounter().GetValue())
		}
	}
	return snapshot
}

func trimName(name string) string {
	const prefix, suffix = "fanout_", "_total"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		name = name[:len(name)-len(suffix)]
	}
	return name
}
