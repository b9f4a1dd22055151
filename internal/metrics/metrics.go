// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all relay metrics.
var Registry = prometheus.NewRegistry()

// Direction labels forwarded traffic.
type Direction string

const (
	// ToRemote is traffic from the streamer towards the destination.
	ToRemote Direction = "to_remote"
	// ToLocal is return traffic towards the learned streamer address.
	ToLocal Direction = "to_local"
)

// RelayMetrics holds all Prometheus metrics for a relay.
// A nil *RelayMetrics is valid and records nothing.
type RelayMetrics struct {
	// Tunnel forwarding (counters, labeled by direction)
	Datagrams *prometheus.CounterVec
	Bytes     *prometheus.CounterVec

	// Tunnel lifecycle
	TunnelsOpened  prometheus.Counter
	TunnelFailures prometheus.Counter
	ActiveTunnels  prometheus.Gauge

	// Control protocol
	Handshakes   *prometheus.CounterVec // labels: result
	DecodeErrors prometheus.Counter
	Reconnects   *prometheus.CounterVec // labels: session

	// Session gauges
	SessionState      *prometheus.GaugeVec // labels: session, state
	SessionsTotal     prometheus.Gauge
	SessionsConnected prometheus.Gauge

	BatteryPercent prometheus.Gauge

	// Relay info (constant labels exposed as a gauge)
	RelayInfo *prometheus.GaugeVec // labels: relay, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given relay name as a constant label.
func InitMetrics(relayName, version string) *RelayMetrics {
	constLabels := prometheus.Labels{
		"relay": relayName,
	}

	m := &RelayMetrics{
		Datagrams: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "moblink_relay_datagrams_forwarded_total",
			Help:        "Datagrams forwarded through tunnels",
			ConstLabels: constLabels,
		}, []string{"direction"}),
		Bytes: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "moblink_relay_bytes_forwarded_total",
			Help:        "Bytes forwarded through tunnels",
			ConstLabels: constLabels,
		}, []string{"direction"}),

		TunnelsOpened: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "moblink_relay_tunnels_opened_total",
			Help:        "Tunnels opened in response to StartTunnel requests",
			ConstLabels: constLabels,
		}),
		TunnelFailures: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "moblink_relay_tunnel_failures_total",
			Help:        "Tunnels that stopped because a forwarding socket failed",
			ConstLabels: constLabels,
		}),
		ActiveTunnels: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "moblink_relay_active_tunnels",
			Help:        "Number of open tunnels",
			ConstLabels: constLabels,
		}),

		Handshakes: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "moblink_relay_handshakes_total",
			Help:        "Completed authentication handshakes by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		DecodeErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "moblink_relay_decode_errors_total",
			Help:        "Control messages that could not be decoded",
			ConstLabels: constLabels,
		}),
		Reconnects: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "moblink_relay_reconnects_total",
			Help:        "Reconnection attempts after backoff",
			ConstLabels: constLabels,
		}, []string{"session"}),

		SessionState: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "moblink_relay_session_state",
			Help:        "Current session state (1 for the active state, 0 otherwise)",
			ConstLabels: constLabels,
		}, []string{"session", "state"}),
		SessionsTotal: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "moblink_relay_sessions",
			Help:        "Number of sessions held by the supervisor",
			ConstLabels: constLabels,
		}),
		SessionsConnected: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "moblink_relay_sessions_connected",
			Help:        "Number of sessions with an authenticated control channel",
			ConstLabels: constLabels,
		}),

		BatteryPercent: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "moblink_relay_battery_percent",
			Help:        "Battery level reported to streamers",
			ConstLabels: constLabels,
		}),

		RelayInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "moblink_relay_info",
			Help: "Relay information (value is always 1)",
		}, []string{"relay", "version"}),
	}

	m.RelayInfo.WithLabelValues(relayName, version).Set(1)

	return m
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Forwarded returns the datagram and byte counters for one direction.
// Both are nil when m is nil.
func (m *RelayMetrics) Forwarded(dir Direction) (datagrams, bytes prometheus.Counter) {
	if m == nil {
		return nil, nil
	}
	return m.Datagrams.WithLabelValues(string(dir)), m.Bytes.WithLabelValues(string(dir))
}

// TunnelOpened records a newly opened tunnel.
func (m *RelayMetrics) TunnelOpened() {
	if m == nil {
		return
	}
	m.TunnelsOpened.Inc()
	m.ActiveTunnels.Inc()
}

// TunnelClosed records a closed tunnel. failed is true when a forwarding
// socket ended the tunnel.
func (m *RelayMetrics) TunnelClosed(failed bool) {
	if m == nil {
		return
	}
	m.ActiveTunnels.Dec()
	if failed {
		m.TunnelFailures.Inc()
	}
}

// Handshake records the outcome of an authentication handshake.
func (m *RelayMetrics) Handshake(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "wrong_password"
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

// DecodeError records an undecodable control message.
func (m *RelayMetrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}
