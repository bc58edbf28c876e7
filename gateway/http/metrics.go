package http

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openremote/openremote-sub007/metric"
)

const metricsService = "gateway-http"

// Metrics holds REST request metrics.
type Metrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "REST requests by route and status code",
		}, []string{"route", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "REST request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if registry != nil {
		_ = registry.RegisterCounterVec(metricsService, "requests_total", m.Requests)
		_ = registry.RegisterHistogramVec(metricsService, "request_duration_seconds", m.Duration)
	}
	return m
}
