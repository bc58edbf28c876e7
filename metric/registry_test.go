package metric

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics().GatewaysRegistered)
}

func TestMetricsRegistry_RegisterCounterVec(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_sync_batches_total",
		Help: "test",
	}, []string{"gateway"})

	require.NoError(t, registry.RegisterCounterVec("connector", "sync_batches", vec))
	vec.WithLabelValues("gw1").Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_sync_batches_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_dup", Help: "test"})
	require.NoError(t, registry.RegisterGauge("svc", "dup", gauge))

	err := registry.RegisterGauge("svc", "dup", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_unreg", Help: "test"})
	require.NoError(t, registry.RegisterCounter("svc", "unreg", counter))

	assert.True(t, registry.Unregister("svc", "unreg"))
	assert.False(t, registry.Unregister("svc", "unreg"))
	assert.NoError(t, registry.RegisterCounter("svc", "unreg", counter))
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().GatewaysRegistered.Set(3)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gatewayfed_central_gateways_registered 3")
}
