package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler exposing the registry in the Prometheus
// text format. A nil registry serves an empty body.
func (r *MetricsRegistry) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{
		Registry:          r.prometheusRegistry,
		EnableOpenMetrics: false,
	})
}
