// Package metrics holds the Prometheus collectors shared by the sync engine.
// Labels stay low-cardinality: adapter kind, connection, action and outcome.
// Case and event ids never become labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksTotal counts webhook deliveries by adapter kind and result
	// (accepted, duplicate, invalid_signature, malformed, error).
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disputesync",
		Name:      "webhooks_total",
		Help:      "Webhook deliveries by adapter kind and result.",
	}, []string{"adapter_kind", "result"})

	// NormalizationFailuresTotal counts events persisted with a normalization error.
	NormalizationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disputesync",
		Name:      "normalization_failures_total",
		Help:      "Sync events that failed normalization, by adapter kind.",
	}, []string{"adapter_kind"})

	// EventsProcessedTotal counts applied sync events by outcome.
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disputesync",
		Name:      "events_processed_total",
		Help:      "Sync events applied by the orchestrator, by outcome.",
	}, []string{"outcome"})

	// CaseTransitionsTotal counts state machine transitions.
	CaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disputesync",
		Name:      "case_transitions_total",
		Help:      "Dispute case transitions, by source and target status.",
	}, []string{"from", "to"})

	// OutboundTasksTotal counts finished outbound task attempts.
	OutboundTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disputesync",
		Name:      "outbound_tasks_total",
		Help:      "Outbound task attempts, by action and result.",
	}, []string{"action", "result"})

	// RateLimitRejectionsTotal counts acquire failures per connection.
	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disputesync",
		Name:      "ratelimit_rejections_total",
		Help:      "Rate limiter acquire failures, by connection.",
	}, []string{"connection_id"})

	// TokenRefreshTotal counts token refresh attempts by grant and result.
	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disputesync",
		Name:      "token_refresh_total",
		Help:      "Token refresh attempts, by grant and result.",
	}, []string{"grant", "result"})

	// AlertsTotal counts raised operator alerts by level.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "disputesync",
		Name:      "alerts_total",
		Help:      "Operator alerts raised, by level.",
	}, []string{"level"})

	// QueueDepth tracks the depth of the processing queues.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "disputesync",
		Name:      "queue_depth",
		Help:      "Current depth of the processing queues.",
	}, []string{"queue"})
)

// RecordWebhook increments the webhook counter.
func RecordWebhook(adapterKind, result string) {
	WebhooksTotal.WithLabelValues(adapterKind, result).Inc()
}

// RecordTask increments the outbound task counter.
func RecordTask(action, result string) {
	OutboundTasksTotal.WithLabelValues(action, result).Inc()
}

// RecordTransition increments the transition counter.
func RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	CaseTransitionsTotal.WithLabelValues(from, to).Inc()
}
