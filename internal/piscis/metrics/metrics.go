// Package metrics exposes Prometheus counters for the authorization workflow
// and the HTTP surface. Every recorder method is safe on a nil *Metrics so
// packages can run without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Submissions by request kind and result ("created", "existing", "invalid").
	Submissions *prometheus.CounterVec

	// Decisions by request kind and action ("approve", "reject").
	Decisions *prometheus.CounterVec

	// Verifications by request kind and result ("ok", "mismatch", "expired", ...).
	Verifications *prometheus.CounterVec

	// Gate checks by request kind and outcome ("granted", "denied", "bypass", "error").
	GateChecks *prometheus.CounterVec

	// Mutations on protected resources by resource and audit action.
	Mutations *prometheus.CounterVec

	// Notifications by channel ("email", "matrix") and result ("sent", "failed", "skipped").
	Notifications *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them on reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piscis_authorization_submissions_total",
			Help: "Authorization request submissions by kind and result",
		}, []string{"kind", "result"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piscis_authorization_decisions_total",
			Help: "Approver decisions by kind and action",
		}, []string{"kind", "action"}),

		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piscis_authorization_verifications_total",
			Help: "One-time code verifications by kind and result",
		}, []string{"kind", "result"}),

		GateChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piscis_gate_checks_total",
			Help: "Pass-check gate evaluations by kind and outcome",
		}, []string{"kind", "outcome"}),

		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piscis_resource_mutations_total",
			Help: "Audited mutations of protected resources",
		}, []string{"resource", "action"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piscis_notifications_total",
			Help: "Outbound notifications by channel and result",
		}, []string{"channel", "result"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piscis_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code",
		}, []string{"method", "route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piscis_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

// IncSubmission records a submission outcome.
func (m *Metrics) IncSubmission(kind, result string) {
	if m != nil {
		m.Submissions.WithLabelValues(kind, result).Inc()
	}
}

// IncDecision records an approve or reject.
func (m *Metrics) IncDecision(kind, action string) {
	if m != nil {
		m.Decisions.WithLabelValues(kind, action).Inc()
	}
}

// IncVerification records a verification outcome.
func (m *Metrics) IncVerification(kind, result string) {
	if m != nil {
		m.Verifications.WithLabelValues(kind, result).Inc()
	}
}

// IncGateCheck records a gate evaluation.
func (m *Metrics) IncGateCheck(kind, outcome string) {
	if m != nil {
		m.GateChecks.WithLabelValues(kind, outcome).Inc()
	}
}

// IncMutation records an audited resource mutation.
func (m *Metrics) IncMutation(resource, action string) {
	if m != nil {
		m.Mutations.WithLabelValues(resource, action).Inc()
	}
}

// IncNotification records a delivery attempt.
func (m *Metrics) IncNotification(channel, result string) {
	if m != nil {
		m.Notifications.WithLabelValues(channel, result).Inc()
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
		m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
