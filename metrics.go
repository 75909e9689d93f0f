package dmpsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects client-side synchronization metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m, err := dmpsync.NewMessenger(dmpsync.MessengerConfig{Registerer: reg, ...})
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
type Metrics struct {
	// CacheLookups counts RequestCache outcomes.
	// Labels: outcome (hit|miss|shared|stale|cooldown_wait|error)
	CacheLookups *prometheus.CounterVec

	// TransportStates counts connection state transitions.
	// Labels: state (disconnected|connecting|connected|authenticated|error)
	TransportStates *prometheus.CounterVec

	// Reconnects counts reconnection attempts.
	Reconnects prometheus.Counter

	// EventsReceived counts socket events by kind.
	// Labels: kind
	EventsReceived *prometheus.CounterVec

	// Messages counts sync engine message operations.
	// Labels: op (send|retry|confirm|send_error|incoming|duplicate)
	Messages *prometheus.CounterVec

	// SendDuration measures the REST phase of a send in seconds.
	SendDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmpsync_cache_lookups_total",
				Help: "Request cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		TransportStates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmpsync_transport_state_transitions_total",
				Help: "Realtime transport state transitions by target state",
			},
			[]string{"state"},
		),
		Reconnects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dmpsync_transport_reconnects_total",
				Help: "Realtime transport reconnection attempts",
			},
		),
		EventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmpsync_transport_events_total",
				Help: "Socket events received by kind",
			},
			[]string{"kind"},
		),
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmpsync_messages_total",
				Help: "Conversation sync message operations",
			},
			[]string{"op"},
		),
		SendDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dmpsync_send_duration_seconds",
				Help:    "Duration of the REST phase of a message send",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
	}
}

func (m *Metrics) cacheOutcome(outcome string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) transportState(state string) {
	if m == nil {
		return
	}
	m.TransportStates.WithLabelValues(state).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) event(kind string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) message(op string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(op).Inc()
}

func (m *Metrics) sendDuration(seconds float64) {
	if m == nil {
		return
	}
	m.SendDuration.Observe(seconds)
}
