package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     string
	}{
		{"empty", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"degraded wins over healthy", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewHealthy("c", "")}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.statuses)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.statuses))
		})
	}
}

func TestAggregate_Message(t *testing.T) {
	got := Aggregate("central", []Status{
		NewHealthy("a", ""), NewUnhealthy("b", ""), NewUnhealthy("c", ""), NewDegraded("d", ""),
	})
	assert.Equal(t, "2 of 4 unhealthy", got.Message)
	assert.False(t, got.Healthy)
	assert.Equal(t, "1 of 2 degraded", Aggregate("edge", []Status{NewHealthy("a", ""), NewDegraded("b", "")}).Message)
}

func TestFromConnectionStatus(t *testing.T) {
	assert.True(t, FromConnectionStatus("gw", "CONNECTED").IsHealthy())
	assert.True(t, FromConnectionStatus("gw", "DISABLED").IsHealthy())
	assert.True(t, FromConnectionStatus("gw", "CONNECTING").IsDegraded())
	assert.True(t, FromConnectionStatus("gw", "WAITING").IsDegraded())
	assert.True(t, FromConnectionStatus("gw", "DISCONNECTED").IsUnhealthy())
	assert.True(t, FromConnectionStatus("gw", "ERROR").IsUnhealthy())
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input   string
		absent  string
		present string
	}{
		{"dial wss://central.example.com/websocket/events failed", "central.example.com", "[URL]"},
		{"connect to 10.0.0.12 refused", "10.0.0.12", "[IP]"},
		{"open /etc/gateway/id_rsa: permission denied", "/etc/gateway", "[PATH]"},
		{"token=abc123 rejected", "abc123", "[REDACTED]"},
	}
	for _, tt := range tests {
		got := Sanitize(tt.input)
		assert.NotContains(t, got, tt.absent)
		assert.Contains(t, got, tt.present)
	}
	assert.Empty(t, Sanitize(""))
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.Update("edge-b", FromConnectionStatus("ignored", "CONNECTED"))
	m.Update("edge-a", FromConnectionStatus("edge-a", "WAITING"))

	status, ok := m.Get("edge-b")
	require.True(t, ok)
	assert.Equal(t, "edge-b", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	overall := m.AggregateHealth("edge")
	assert.True(t, overall.IsDegraded())
	require.Len(t, overall.SubStatuses, 2)
	assert.Equal(t, "edge-a", overall.SubStatuses[0].Component)

	m.Remove("edge-a")
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.AggregateHealth("edge").IsHealthy())
}

func TestWithSubStatus_DoesNotShareSlices(t *testing.T) {
	base := NewHealthy("root", "")
	a := base.WithSubStatus(NewHealthy("a", ""))
	b := base.WithSubStatus(NewUnhealthy("b", ""))
	assert.Empty(t, base.SubStatuses)
	assert.Equal(t, "a", a.SubStatuses[0].Component)
	assert.Equal(t, "b", b.SubStatuses[0].Component)
}
