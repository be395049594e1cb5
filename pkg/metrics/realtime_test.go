package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRealtimeMetricsTrackConnectionsAndPushes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRealtimeMetrics(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObservePush("notification", "sent")
	m.ObservePush("notification", "sent")
	m.ObservePush("", "offline")
	m.HandshakeRejected("invalid_token")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.connections))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.pushes.WithLabelValues("notification", "sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pushes.WithLabelValues("unknown", "offline")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rejected.WithLabelValues("invalid_token")))
}

func TestNotificationMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewNotificationMetrics(reg)

	m.Observe("like", "created")
	m.Observe("like", "suppressed")
	m.Observe("like", "suppressed")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("like", "created")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.outcomes.WithLabelValues("like", "suppressed")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var rt *RealtimeMetrics
	var nm *NotificationMetrics
	assert.NotPanics(t, func() {
		rt.ConnectionOpened()
		rt.ObservePush("x", "y")
		nm.Observe("like", "created")
		NewRealtimeMetrics(nil).ConnectionClosed()
		NewNotificationMetrics(nil).Observe("follow", "retracted")
	})
}
