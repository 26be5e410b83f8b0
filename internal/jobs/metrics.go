package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	payments *prometheus.CounterVec
	skips    *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddPayments increments the created-payments counter for the supplied currency.
func (m *Metrics) AddPayments(currency string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if currency == "" {
		currency = "unknown"
	}
	m.payments.WithLabelValues(currency).Add(float64(count))
}

// AddSkips increments the skipped-services counter for the supplied reason.
func (m *Metrics) AddSkips(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.skips.WithLabelValues(reason).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beacon_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_billing_payments_created_total",
		Help: "Recurring payments created by the billing run, by currency.",
	}, []string{"currency"})
	skips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_billing_services_skipped_total",
		Help: "Due services skipped by the billing run, by reason.",
	}, []string{"reason"})
	registerer.MustRegister(runs, failures, duration, payments, skips)
	return &Metrics{runs: runs, failures: failures, duration: duration, payments: payments, skips: skips}
}
