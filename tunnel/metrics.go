package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openremote/openremote-sub007/metric"
)

// Metrics holds tunnel factory metrics.
type Metrics struct {
	SessionsActive prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "tunnel",
			Name:      "sessions_active",
			Help:      "Live tunnel sessions held by the factory",
		}),
	}
	if registry != nil {
		_ = registry.RegisterGauge(name, "sessions_active", m.SessionsActive)
	}
	return m
}
