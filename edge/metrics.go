package edge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openremote/openremote-sub007/metric"
)

// Metrics holds per connection edge metrics.
type Metrics struct {
	EventsForwarded prometheus.Counter
	EventsFiltered  prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, realm string) *Metrics {
	m := &Metrics{
		EventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "edge",
			Name:        "events_forwarded_total",
			Help:        "Local asset and attribute events forwarded to the central instance",
			ConstLabels: prometheus.Labels{"realm": realm},
		}),
		EventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "edge",
			Name:        "events_filtered_total",
			Help:        "Local attribute events dropped by attribute filters or sync rules",
			ConstLabels: prometheus.Labels{"realm": realm},
		}),
	}
	if registry != nil {
		_ = registry.RegisterCounter("edge-"+realm, "events_forwarded_total", m.EventsForwarded)
		_ = registry.RegisterCounter("edge-"+realm, "events_filtered_total", m.EventsFiltered)
	}
	return m
}

func unregisterMetrics(registry *metric.MetricsRegistry, realm string) {
	if registry == nil {
		return
	}
	registry.Unregister("edge-"+realm, "events_forwarded_total")
	registry.Unregister("edge-"+realm, "events_filtered_total")
}
