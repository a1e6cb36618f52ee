// Package metrics exposes the Prometheus instruments shared by the session,
// router, usage and bootstrap packages.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for parley
type Metrics struct {
	// Counters
	EventsTotal            *prometheus.CounterVec
	EventsBlockedTotal     *prometheus.CounterVec
	ParseErrorsTotal       prometheus.Counter
	SessionsTotal          *prometheus.CounterVec
	NotificationsTotal     *prometheus.CounterVec
	TokensTotal            *prometheus.CounterVec
	CostMillicentsTotal    *prometheus.CounterVec
	AccountingErrorsTotal  *prometheus.CounterVec
	WatchdogFiredTotal     prometheus.Counter
	PendingResponseTimeout prometheus.Counter
	CredentialRequests     *prometheus.CounterVec

	// Gauges
	SessionsActive prometheus.Gauge
	HubClients     prometheus.Gauge

	// Histograms
	HandshakeDuration *prometheus.HistogramVec
	TeardownDuration  *prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Init initializes global Prometheus metrics
func Init() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_events_total",
					Help: "Inbound protocol events dispatched",
				},
				[]string{"type"},
			),
			EventsBlockedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_events_blocked_total",
					Help: "Inbound protocol events rejected by the gate",
				},
				[]string{"stage"},
			),
			ParseErrorsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "parley_event_parse_errors_total",
					Help: "Inbound frames that failed to decode",
				},
			),
			SessionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_sessions_total",
					Help: "Connect attempts by outcome",
				},
				[]string{"outcome"},
			),
			NotificationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_notifications_total",
					Help: "Notifications emitted to the application layer",
				},
				[]string{"type"},
			),
			TokensTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_tokens_total",
					Help: "Tokens consumed by class",
				},
				[]string{"model", "class"},
			),
			CostMillicentsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_cost_millicents_total",
					Help: "Accumulated cost in thousandths of a cent",
				},
				[]string{"model"},
			),
			AccountingErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_accounting_errors_total",
					Help: "Usage accounting failures by operation",
				},
				[]string{"op"},
			),
			WatchdogFiredTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "parley_disconnect_watchdog_fired_total",
					Help: "Disconnects forced to completion by the watchdog",
				},
			),
			PendingResponseTimeout: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "parley_pending_response_timeouts_total",
					Help: "Finalized assistant turns never followed by response.done",
				},
			),
			CredentialRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_credential_requests_total",
					Help: "Ephemeral credential requests served by the bootstrap endpoint",
				},
				[]string{"status"},
			),
			SessionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_sessions_active",
					Help: "Currently connected voice sessions",
				},
			),
			HubClients: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_notify_clients",
					Help: "Connected notification websocket clients",
				},
			),
			HandshakeDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_handshake_duration_seconds",
					Help:    "Connect handshake duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			TeardownDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_teardown_duration_seconds",
					Help:    "Disconnect duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
		}
	})
	return globalMetrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if globalMetrics == nil {
		return Init()
	}
	return globalMetrics
}

// RecordEvent records a dispatched inbound event
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordBlocked records a gate rejection at stage "pre_parse" or "post_parse"
func (m *Metrics) RecordBlocked(stage string) {
	if m == nil {
		return
	}
	m.EventsBlockedTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrorsTotal.Inc()
}

// RecordSession records a connect attempt outcome and its handshake time
func (m *Metrics) RecordSession(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.HandshakeDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) RecordTeardown(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.TeardownDuration.WithLabelValues(mode).Observe(seconds)
}

func (m *Metrics) RecordNotification(notificationType string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(notificationType).Inc()
}

// RecordTokens adds count tokens of class for model
func (m *Metrics) RecordTokens(model, class string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.TokensTotal.WithLabelValues(model, class).Add(float64(count))
}

func (m *Metrics) RecordCost(model string, millicents int64) {
	if m == nil || millicents <= 0 {
		return
	}
	m.CostMillicentsTotal.WithLabelValues(model).Add(float64(millicents))
}

func (m *Metrics) RecordAccountingError(op string) {
	if m == nil {
		return
	}
	m.AccountingErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordWatchdogFired() {
	if m == nil {
		return
	}
	m.WatchdogFiredTotal.Inc()
}

func (m *Metrics) RecordPendingResponseTimeout() {
	if m == nil {
		return
	}
	m.PendingResponseTimeout.Inc()
}

func (m *Metrics) RecordCredentialRequest(status string) {
	if m == nil {
		return
	}
	m.CredentialRequests.WithLabelValues(status).Inc()
}

// SetActiveSessions sets the connected session count
func (m *Metrics) SetActiveSessions(count int64) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// SetHubClients sets the current notification client count
func (m *Metrics) SetHubClients(count int64) {
	if m == nil {
		return
	}
	m.HubClients.Set(float64(count))
}
