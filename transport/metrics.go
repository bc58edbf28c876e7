package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openremote/openremote-sub007/metric"
)

// Metrics holds transport metrics.
type Metrics struct {
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	SessionsActive  prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "transport",
			Name:        "connect_attempts_total",
			Help:        "Websocket connect attempts",
			ConstLabels: prometheus.Labels{"client": name},
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "transport",
			Name:        "connect_failures_total",
			Help:        "Websocket connect attempts that failed or never became ready",
			ConstLabels: prometheus.Labels{"client": name},
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "transport",
			Name:        "sessions_active",
			Help:        "Open server side websocket sessions",
			ConstLabels: prometheus.Labels{"client": name},
		}),
	}
	if registry != nil {
		_ = registry.RegisterCounter(name, "connect_attempts_total", m.ConnectAttempts)
		_ = registry.RegisterCounter(name, "connect_failures_total", m.ConnectFailures)
		_ = registry.RegisterGauge(name, "sessions_active", m.SessionsActive)
	}
	return m
}

func unregisterMetrics(registry *metric.MetricsRegistry, name string) {
	if registry == nil {
		return
	}
	for _, metricName := range []string{"connect_attempts_total", "connect_failures_total", "sessions_active"} {
		registry.Unregister(name, metricName)
	}
}
