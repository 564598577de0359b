// Package metrics holds the prometheus collectors of the listener.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/and161185/fcm-listener/internal/model"
)

// Message results.
const (
	Delivered   = "delivered"
	Duplicate   = "duplicate"
	CryptoError = "crypto_error"
)

// Check-in results.
const (
	CheckinOK    = "ok"
	CheckinError = "error"
)

// Metrics groups the collectors updated by supervisor, stream and check-in.
type Metrics struct {
	state      *prometheus.GaugeVec
	reconnects prometheus.Counter
	messages   *prometheus.CounterVec
	heartbeats prometheus.Counter
	checkins   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fcm_connection_state",
			Help: "Supervisor state per registration (0 disconnected, 1 checking-in, 2 handshaking, 3 active, 4 draining).",
		}, []string{"registration"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcm_reconnects_total",
			Help: "Connection attempts after a failure.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fcm_messages_total",
			Help: "Inbound data stanzas by outcome.",
		}, []string{"result"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fcm_heartbeats_total",
			Help: "Server heartbeat pings answered.",
		}),
		checkins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fcm_checkins_total",
			Help: "Check-in exchanges by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.reconnects, m.messages, m.heartbeats, m.checkins)
	}
	return m
}

// SetState records the supervisor state of registration.
func (m *Metrics) SetState(registration string, s model.ConnectionState) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(registration).Set(float64(s))
}

// Forget drops the state series of a stopped registration.
func (m *Metrics) Forget(registration string) {
	if m == nil {
		return
	}
	m.state.DeleteLabelValues(registration)
}

// Reconnect counts a connection attempt that follows a failure.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Message counts an inbound data stanza by result.
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// Heartbeat counts an answered server ping.
func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

// Checkin counts a check-in exchange; a non-nil err counts as a failure.
func (m *Metrics) Checkin(err error) {
	if m == nil {
		return
	}
	result := CheckinOK
	if err != nil {
		result = CheckinError
	}
	m.checkins.WithLabelValues(result).Inc()
}
