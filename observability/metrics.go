// Package observability provides Prometheus metrics instrumentation for
// the platform services.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// ENVELOPE METRICS
// =============================================================================

var (
	envelopesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbot_envelopes_processed_total",
			Help: "Total number of envelopes processed by consumption loops",
		},
		[]string{"service", "status"}, // status: success, error, panic
	)

	envelopesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbot_envelopes_published_total",
			Help: "Total number of envelopes published to the bus",
		},
		[]string{"topic", "outcome"}, // outcome: ok, error
	)
)

// =============================================================================
// TURN METRICS
// =============================================================================

var (
	turnsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbot_turns_executed_total",
			Help: "Total number of FSM turns executed",
		},
		[]string{"status"}, // status: success, error
	)

	turnDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fluxbot_turn_duration_seconds",
			Help:    "FSM turn execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)

// =============================================================================
// LIFECYCLE METRICS
// =============================================================================

var (
	botInstallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbot_bot_installs_total",
			Help: "Total number of bot environment installs",
		},
		[]string{"status"}, // status: success, error
	)
)

// =============================================================================
// PROVIDER METRICS
// =============================================================================

var (
	providerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbot_provider_calls_total",
			Help: "Total number of language provider API calls",
		},
		[]string{"provider", "operation", "status"}, // operation: translate, transcribe
	)

	providerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxbot_provider_duration_seconds",
			Help:    "Language provider call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)
)

// =============================================================================
// WEBHOOK METRICS
// =============================================================================

var (
	webhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxbot_webhook_requests_total",
			Help: "Total number of webhook ingress requests",
		},
		[]string{"route", "status"}, // status: HTTP status class, e.g. 2xx
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordEnvelope records the outcome of one consumed envelope.
func RecordEnvelope(service, status string) {
	envelopesProcessedTotal.WithLabelValues(service, status).Inc()
}

// PublishedEnvelopes exposes the publish counter for bus middleware.
// Labels: topic, outcome.
func PublishedEnvelopes() *prometheus.CounterVec {
	return envelopesPublishedTotal
}

// RecordTurn records one FSM turn execution.
func RecordTurn(status string, durationMS int) {
	turnsExecutedTotal.WithLabelValues(status).Inc()
	turnDurationSeconds.Observe(float64(durationMS) / 1000.0)
}

// RecordBotInstall records one bot environment install.
func RecordBotInstall(status string) {
	botInstallsTotal.WithLabelValues(status).Inc()
}

// RecordProviderCall records one language provider API call.
func RecordProviderCall(provider, operation, status string, durationMS int) {
	providerCallsTotal.WithLabelValues(provider, operation, status).Inc()
	providerDurationSeconds.WithLabelValues(provider, operation).Observe(float64(durationMS) / 1000.0)
}

// RecordWebhookRequest records one webhook ingress request.
func RecordWebhookRequest(route, status string) {
	webhookRequestsTotal.WithLabelValues(route, status).Inc()
}
