// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the gatekeeper security pipeline.
package observability

import "github.com/prometheus/client_golang/prometheus"

// PipelineBuckets defines histogram buckets suited for middleware-bound
// request latencies, ranging from 1ms to 10s.
var PipelineBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	// RequestsTotal counts all HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_request_duration_seconds",
			Help:    "Request duration",
			Buckets: PipelineBuckets,
		},
		[]string{"method"},
	)

	// AuthAttemptsTotal counts credential validations by method (jwt,
	// api_key, none) and outcome (success, failure).
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_auth_attempts_total",
			Help: "Credential validation attempts",
		},
		[]string{"method", "outcome"},
	)

	// RejectionsTotal counts pipeline rejections by machine-readable code.
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_rejections_total",
			Help: "Pipeline rejections",
		},
		[]string{"code"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// SignatureFailuresTotal counts signature verification failures by reason.
	SignatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_signature_failures_total",
			Help: "Signature verification failures",
		},
		[]string{"reason"},
	)

	// StoreDegradedTotal counts shared-store failures that triggered a
	// fallback or fail-open path, by component.
	StoreDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_store_degraded_total",
			Help: "Store degradation events",
		},
		[]string{"component"},
	)

	// SessionsCreatedTotal counts sessions issued after authentication.
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_sessions_created_total",
			Help: "Sessions created",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AuthAttemptsTotal,
		RejectionsTotal,
		RateLimitRejectedTotal,
		SignatureFailuresTotal,
		StoreDegradedTotal,
		SessionsCreatedTotal,
	)
}
