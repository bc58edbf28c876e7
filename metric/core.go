package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by this module.
const Namespace = "gatewayfed"

// Metrics contains process level metrics shared by the federation services.
// Component specific metrics live with their components.
type Metrics struct {
	GatewaysRegistered prometheus.Gauge
	ConnectionStatus   *prometheus.GaugeVec
	MessagesReceived   *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec
	DecodeErrors       prometheus.Counter
	NATSConnected      prometheus.Gauge
	ServiceStatus      *prometheus.GaugeVec
}

// NewMetrics creates the process level metrics
func NewMetrics() *Metrics {
	return &Metrics{
		GatewaysRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "central",
			Name:      "gateways_registered",
			Help:      "Number of gateway assets with a connector",
		}),
		ConnectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "federation",
			Name:      "connection_status",
			Help:      "Connection status per gateway or realm (0=disconnected, 1=connecting, 2=connected)",
		}, []string{"side", "name"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Protocol messages received by event type",
		}, []string{"side", "event_type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Protocol messages sent by event type",
		}, []string{"side", "event_type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "decode_errors_total",
			Help:      "Inbound messages that could not be decoded",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service lifecycle status (0=stopped, 1=starting, 2=running, 3=stopping)",
		}, []string{"service"}),
	}
}

// RecordServiceStatus records the lifecycle status of a service
func (m *Metrics) RecordServiceStatus(service string, status int) {
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordConnectionStatus records a connection status for one side of the
// federation. Unknown statuses are recorded as disconnected.
func (m *Metrics) RecordConnectionStatus(side, name, status string) {
	value := 0.0
	switch status {
	case "CONNECTING", "WAITING":
		value = 1
	case "CONNECTED":
		value = 2
	}
	m.ConnectionStatus.WithLabelValues(side, name).Set(value)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.GatewaysRegistered,
		m.ConnectionStatus,
		m.MessagesReceived,
		m.MessagesSent,
		m.DecodeErrors,
		m.NATSConnected,
		m.ServiceStatus,
	}
}
