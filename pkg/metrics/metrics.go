package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox state gauges
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandbox_tenants_total",
			Help: "Total number of tenants by sandbox phase",
		},
		[]string{"phase"},
	)

	SandboxTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_transitions_total",
			Help: "Total number of sandbox state transitions by from/to phase",
		},
		[]string{"from", "to"},
	)

	SandboxErroredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_errored_total",
			Help: "Total number of transitions landing on Errored, by kind",
		},
		[]string{"kind"},
	)

	// Scheduler metrics
	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_scheduler_queue_depth",
			Help: "Current depth of the bounded global task queue",
		},
	)

	SchedulerTasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_scheduler_tasks_enqueued_total",
			Help: "Total number of tasks enqueued, by result (accepted, rejected)",
		},
		[]string{"result"},
	)

	SchedulerTaskLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_scheduler_task_latency_seconds",
			Help:    "Time from enqueue to terminal TaskResult",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerTasksRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_scheduler_tasks_retried_total",
			Help: "Total number of Pending/TryAgain re-enqueues",
		},
	)

	// ACME metrics
	ACMEIssuanceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_acme_issuance_total",
			Help: "Total number of certificate issuance attempts by result",
		},
		[]string{"result"},
	)

	ACMERenewalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_acme_renewal_total",
			Help: "Total number of certificate renewal attempts by result",
		},
		[]string{"result"},
	)

	ACMEIssuanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_acme_issuance_duration_seconds",
			Help:    "Time taken to complete a certificate issuance",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_proxy_requests_total",
			Help: "Total number of proxied requests by host and status",
		},
		[]string{"host", "status"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbox_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host"},
	)

	ProxyWakeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_proxy_wake_latency_seconds",
			Help:    "Time spent waiting for an idled sandbox to become ready",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)

	// Admin API metrics
	AdminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_admin_requests_total",
			Help: "Total number of admin API requests by route and status",
		},
		[]string{"route", "status"},
	)

	AdminErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_admin_errors_total",
			Help: "Total number of admin API errors by error kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesTotal,
		SandboxTransitionsTotal,
		SandboxErroredTotal,
		SchedulerQueueDepth,
		SchedulerTasksEnqueuedTotal,
		SchedulerTaskLatency,
		SchedulerTasksRetriedTotal,
		ACMEIssuanceTotal,
		ACMERenewalTotal,
		ACMEIssuanceDuration,
		ProxyRequestsTotal,
		ProxyRequestDuration,
		ProxyWakeLatency,
		AdminRequestsTotal,
		AdminErrorsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
