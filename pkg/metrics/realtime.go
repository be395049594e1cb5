package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RealtimeMetrics tracks websocket connections and pushes.
type RealtimeMetrics struct {
	connections prometheus.Gauge
	pushes      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

// NewRealtimeMetrics registers the realtime metrics on the provided registerer.
// A nil registerer yields a no-op value.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	if reg == nil {
		return &RealtimeMetrics{}
	}
	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Open notification websocket connections.",
	})
	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_pushes_total",
		Help: "Realtime push attempts by message type and outcome.",
	}, []string{"type", "outcome"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_handshakes_rejected_total",
		Help: "Rejected websocket handshakes by reason.",
	}, []string{"reason"})
	reg.MustRegister(connections, pushes, rejected)
	return &RealtimeMetrics{
		connections: connections,
		pushes:      pushes,
		rejected:    rejected,
	}
}

func (m *RealtimeMetrics) ConnectionOpened() {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Inc()
}

func (m *RealtimeMetrics) ConnectionClosed() {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Dec()
}

// ObservePush counts one push. outcome is "sent", "dropped" or "offline".
func (m *RealtimeMetrics) ObservePush(msgType, outcome string) {
	if m == nil || m.pushes == nil {
		return
	}
	m.pushes.WithLabelValues(normalizeLabel(msgType), normalizeLabel(outcome)).Inc()
}

func (m *RealtimeMetrics) HandshakeRejected(reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.WithLabelValues(normalizeLabel(reason)).Inc()
}

// NotificationMetrics tracks the dispatcher's decisions per notification kind.
type NotificationMetrics struct {
	outcomes *prometheus.CounterVec
}

func NewNotificationMetrics(reg prometheus.Registerer) *NotificationMetrics {
	if reg == nil {
		return &NotificationMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notification events by kind and outcome (created, suppressed, retracted, failed).",
	}, []string{"kind", "outcome"})
	reg.MustRegister(outcomes)
	return &NotificationMetrics{outcomes: outcomes}
}

func (m *NotificationMetrics) Observe(kind, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
