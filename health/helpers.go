package health

import (
	"fmt"
	"strings"
	"time"
)

// Status values
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// Aggregate combines members into one status. Any unhealthy member makes it
// unhealthy, otherwise any degraded member makes it degraded. The message
// counts the members in the worst state.
func Aggregate(component string, members []Status) Status {
	if len(members) == 0 {
		return NewHealthy(component, "Nothing to report")
	}

	var unhealthy, degraded int
	for _, m := range members {
		switch {
		case m.IsUnhealthy():
			unhealthy++
		case m.IsDegraded():
			degraded++
		}
	}

	var status Status
	switch {
	case unhealthy > 0:
		status = NewUnhealthy(component, fmt.Sprintf("%d of %d unhealthy", unhealthy, len(members)))
	case degraded > 0:
		status = NewDegraded(component, fmt.Sprintf("%d of %d degraded", degraded, len(members)))
	default:
		status = NewHealthy(component, fmt.Sprintf("%d healthy", len(members)))
	}
	status.SubStatuses = append([]Status(nil), members...)
	return status
}

// FromConnectionStatus maps a gateway connection status onto a health
// status. Connections on their way up are degraded, disabled ones healthy.
func FromConnectionStatus(name, status string) Status {
	switch status {
	case "CONNECTED":
		return NewHealthy(name, "Connected")
	case "DISABLED":
		return NewHealthy(name, "Disabled")
	case "CONNECTING", "WAITING":
		return NewDegraded(name, "Connection is "+strings.ToLower(status))
	default:
		return NewUnhealthy(name, "Connection is "+strings.ToLower(status))
	}
}
