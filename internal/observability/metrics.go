// Package observability holds the Prometheus metrics of the event core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. Collectors are registered on the
// Registerer passed to NewMetrics, so tests can use a fresh registry.
type Metrics struct {
	DeliveryAttempts *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram

	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	JobsProcessed   *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsRateLimited *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	LeasesReaped    *prometheus.CounterVec

	InboundEvents *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_attempts_total",
			Help:      "Outbound webhook attempts by resulting delivery status",
		}, []string{"status"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Duration of outbound webhook POSTs in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"subscription_id"}),
		CircuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Times a subscription breaker tripped to open",
		}, []string{"subscription_id"}),

		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs finished by queue and outcome (completed, retried, exhausted, released)",
		}, []string{"queue", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler run time by queue",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		JobsRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rate_limited_total",
			Help:      "Claims deferred because the queue rate limit was reached",
		}, []string{"queue"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs per queue and state, sampled by the sweeper",
		}, []string{"queue", "state"}),
		LeasesReaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_leases_reaped_total",
			Help:      "Expired job leases returned to waiting",
		}, []string{"queue"}),

		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound provider callbacks by result (accepted, duplicate, rejected)",
		}, []string{"provider", "result"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// NewNopMetrics returns metrics registered on a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "test")
}

// ObserveQueue records a queue depth sample.
func (m *Metrics) ObserveQueue(queue string, waiting, delayed, active, completed, failed int64) {
	m.QueueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))
	m.QueueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues(queue, "active").Set(float64(active))
	m.QueueDepth.WithLabelValues(queue, "completed").Set(float64(completed))
	m.QueueDepth.WithLabelValues(queue, "failed").Set(float64(failed))
}
