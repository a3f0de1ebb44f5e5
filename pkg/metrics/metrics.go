// Package metrics defines the Prometheus instruments for the realtime and
// webhook subsystems. Call Init once at startup, then mount Handler on the
// metrics port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks currently registered websocket connections.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdesk_active_connections",
			Help: "Number of live websocket connections in the registry",
		},
	)

	// ConnectsTotal counts successful authentications.
	ConnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdesk_connects_total",
			Help: "Connections admitted after authentication",
		},
	)

	// DisconnectsTotal counts closed connections by close reason.
	DisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_disconnects_total",
			Help: "Connections closed, labeled by reason",
		},
		[]string{"reason"},
	)

	// EventsInTotal counts inbound client events by type.
	EventsInTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_events_in_total",
			Help: "Inbound client events, labeled by type",
		},
		[]string{"type"},
	)

	// EventsOutTotal counts delivered server events by type.
	EventsOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_events_out_total",
			Help: "Server events enqueued for delivery, labeled by type",
		},
		[]string{"type"},
	)

	// SendDropsTotal counts deliveries lost to full outbound queues.
	SendDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdesk_send_drops_total",
			Help: "Events dropped because a connection's outbound queue was full",
		},
	)

	// BroadcastFanout observes local recipients per broadcast.
	BroadcastFanout = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdesk_broadcast_fanout",
			Help:    "Local connections reached per broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// BrokerPublishTotal counts envelopes published, labeled by channel.
	BrokerPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_broker_publish_total",
			Help: "Envelopes published to the broker, labeled by channel",
		},
		[]string{"channel"},
	)

	// BrokerPublishFailures counts publishes that never reached the broker.
	BrokerPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_broker_publish_failures_total",
			Help: "Broker publish failures, labeled by channel",
		},
		[]string{"channel"},
	)

	// BrokerConsumeTotal counts envelopes taken in from the broker.
	BrokerConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_broker_consume_total",
			Help: "Envelopes consumed from the broker, labeled by channel",
		},
		[]string{"channel"},
	)

	// BrokerMalformedTotal counts undecodable broker payloads.
	BrokerMalformedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_broker_malformed_total",
			Help: "Broker payloads that failed to decode, labeled by channel",
		},
		[]string{"channel"},
	)

	// WebhookStageTotal counts pipeline stage outcomes.
	WebhookStageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_webhook_stage_total",
			Help: "Webhook pipeline stage results, labeled by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// WebhookSignatureFailures counts rejected payload signatures.
	WebhookSignatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdesk_webhook_signature_failures_total",
			Help: "Webhook payloads rejected by signature verification",
		},
	)

	// WebhookDuplicatesTotal counts redelivered platform messages.
	WebhookDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdesk_webhook_duplicates_total",
			Help: "Webhook messages skipped as already materialized",
		},
	)

	// WebhookUnroutableTotal counts payloads fitting no known envelope shape.
	WebhookUnroutableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdesk_webhook_unroutable_total",
			Help: "Webhook payloads that fit no known envelope shape",
		},
	)

	// DLQDepth tracks the dead letter stream length.
	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdesk_dlq_depth",
			Help: "Entries currently in the webhook dead letter stream",
		},
	)

	// DLQRedriveTotal counts redrive attempts by outcome.
	DLQRedriveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_dlq_redrive_total",
			Help: "Dead letter redrive attempts, labeled by outcome",
		},
		[]string{"outcome"},
	)

	// MaterializeDuration observes webhook materialization latency.
	MaterializeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdesk_materialize_duration_seconds",
			Help:    "Time spent materializing webhook events",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ProfileFetchTotal counts contact profile enrichment attempts.
	ProfileFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdesk_profile_fetch_total",
			Help: "Contact profile fetches, labeled by outcome",
		},
		[]string{"outcome"},
	)
)

// Init registers every instrument with the default registry.
func Init() {
	prometheus.MustRegister(
		ActiveConnections,
		ConnectsTotal,
		DisconnectsTotal,
		EventsInTotal,
		EventsOutTotal,
		SendDropsTotal,
		BroadcastFanout,
		BrokerPublishTotal,
		BrokerPublishFailures,
		BrokerConsumeTotal,
		BrokerMalformedTotal,
		WebhookStageTotal,
		WebhookSignatureFailures,
		WebhookDuplicatesTotal,
		WebhookUnroutableTotal,
		DLQDepth,
		DLQRedriveTotal,
		MaterializeDuration,
		ProfileFetchTotal,
	)
}

// Handler returns the scrape handler for the metrics port.
func Handler() http.Handler {
	return promhttp.Handler()
}
