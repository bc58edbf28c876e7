// Package metric wraps a Prometheus registry for the federation services.
//
// NewMetricsRegistry registers the process level metrics (gateway count,
// connection status, message counters) and the Go runtime collectors.
// Components register their own metrics through MetricsRegistrar and must
// tolerate a nil registry, in which case metrics are created but not exported:
//
//	func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
//	    m := &Metrics{...}
//	    if registry != nil {
//	        _ = registry.RegisterCounterVec(name, "sync_batches", m.SyncBatches)
//	    }
//	    return m
//	}
//
// Handler exposes the registry for scraping.
package metric
