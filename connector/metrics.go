package connector

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openremote/openremote-sub007/metric"
)

// Metrics holds per gateway connector metrics.
type Metrics struct {
	SyncBatches     prometheus.Counter
	SyncRetries     prometheus.Counter
	SyncAborts      prometheus.Counter
	RequestTimeouts prometheus.Counter
	EventsApplied   prometheus.Counter
}

var metricNames = []string{
	"sync_batches_total",
	"sync_retries_total",
	"sync_aborts_total",
	"request_timeouts_total",
	"events_applied_total",
}

func newMetrics(registry *metric.MetricsRegistry, gatewayID string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "connector",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"gateway": gatewayID},
		})
	}

	m := &Metrics{
		SyncBatches:     counter("sync_batches_total", "Asset batches requested during initial sync"),
		SyncRetries:     counter("sync_retries_total", "Sync requests re-issued after a timeout or mismatch"),
		SyncAborts:      counter("sync_aborts_total", "Initial syncs abandoned after too many errors"),
		RequestTimeouts: counter("request_timeouts_total", "Gateway requests that received no response in time"),
		EventsApplied:   counter("events_applied_total", "Gateway asset and attribute events applied locally"),
	}
	if registry != nil {
		service := "connector-" + gatewayID
		_ = registry.RegisterCounter(service, "sync_batches_total", m.SyncBatches)
		_ = registry.RegisterCounter(service, "sync_retries_total", m.SyncRetries)
		_ = registry.RegisterCounter(service, "sync_aborts_total", m.SyncAborts)
		_ = registry.RegisterCounter(service, "request_timeouts_total", m.RequestTimeouts)
		_ = registry.RegisterCounter(service, "events_applied_total", m.EventsApplied)
	}
	return m
}

func unregisterMetrics(registry *metric.MetricsRegistry, gatewayID string) {
	if registry == nil {
		return
	}
	for _, name := range metricNames {
		registry.Unregister("connector-"+gatewayID, name)
	}
}
