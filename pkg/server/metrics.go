package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry so
// tests can build isolated instances without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	openConnections prometheus.Gauge
	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsRemoved prometheus.Counter

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec

	moderationVerdicts *prometheus.CounterVec
	rateViolations     prometheus.Counter
	contentViolations  prometheus.Counter
	bansIssued         prometheus.Counter

	completionFailures  prometheus.Counter
	broadcastEvictions  prometheus.Counter
	flaggedEventsLogged prometheus.Counter
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		openConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safetalk_open_connections",
			Help: "Current number of open websocket connections, authenticated or not.",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safetalk_active_sessions",
			Help: "Current number of authenticated sessions.",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetalk_sessions_created_total",
			Help: "Total websocket connections accepted.",
		}),
		sessionsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetalk_sessions_removed_total",
			Help: "Total sessions removed (disconnect, kick, or shutdown).",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safetalk_messages_received_total",
			Help: "Total inbound frames by message type.",
		}, []string{"type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safetalk_messages_sent_total",
			Help: "Total outbound frames by message type.",
		}, []string{"type"}),

		moderationVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safetalk_moderation_verdicts_total",
			Help: "Total moderation verdicts by outcome (safe, unsafe, degraded).",
		}, []string{"outcome"}),
		rateViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetalk_rate_violations_total",
			Help: "Total messages rejected for violating the minimum spacing.",
		}),
		contentViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetalk_content_violations_total",
			Help: "Total messages blocked by moderation.",
		}),
		bansIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetalk_bans_issued_total",
			Help: "Total emails added to the ban set.",
		}),

		completionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetalk_completion_failures_total",
			Help: "Total assistant completion requests that returned an error.",
		}),
		broadcastEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetalk_broadcast_evictions_total",
			Help: "Total sessions evicted because a broadcast write failed.",
		}),
		flaggedEventsLogged: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetalk_flagged_events_total",
			Help: "Total flagged events handed to the flag log.",
		}),
	}
}

// Handler returns an HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordOpenConnections(count int) {
	m.openConnections.Set(float64(count))
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionRemoved() {
	m.sessionsRemoved.Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordVerdict(outcome string) {
	m.moderationVerdicts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRateViolation() {
	m.rateViolations.Inc()
}

func (m *Metrics) RecordContentViolation() {
	m.contentViolations.Inc()
}

func (m *Metrics) RecordBan() {
	m.bansIssued.Inc()
}

func (m *Metrics) RecordCompletionFailure() {
	m.completionFailures.Inc()
}

func (m *Metrics) RecordBroadcastEviction() {
	m.broadcastEvictions.Inc()
}

func (m *Metrics) RecordFlaggedEvent() {
	m.flaggedEventsLogged.Inc()
}
