// Package tunnel manages reverse tunnels that expose an edge local service
// through the central instance.
//
// Info describes a tunnel, Session tracks one live tunnel and Factory creates
// and tears sessions down. SSHFactory is the production Factory: it dials the
// central SSH endpoint and asks it to forward a remote port back to the target.
package tunnel

import (
	"fmt"
	"strings"
	"time"

	"github.com/openremote/openremote-sub007/errors"
)

// Type is the protocol exposed through a tunnel.
type Type string

// Tunnel types
const (
	TypeTCP   Type = "TCP"
	TypeHTTP  Type = "HTTP"
	TypeHTTPS Type = "HTTPS"
)

// Valid reports whether t is a known tunnel type.
func (t Type) Valid() bool {
	switch t {
	case TypeTCP, TypeHTTP, TypeHTTPS:
		return true
	}
	return false
}

// Info describes a tunnel. Target and TargetPort are resolved on the edge,
// AssignedPort (TCP) or Hostname (HTTP/HTTPS) on the central side.
type Info struct {
	ID            string     `json:"id"`
	Realm         string     `json:"realm"`
	GatewayID     string     `json:"gatewayId"`
	Type          Type       `json:"type"`
	Hostname      string     `json:"hostname,omitempty"`
	Target        string     `json:"target"`
	TargetPort    int        `json:"targetPort"`
	AssignedPort  int        `json:"assignedPort,omitempty"`
	AutoCloseTime *time.Time `json:"autoCloseTime,omitempty"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s[%s %s:%d realm=%s gateway=%s]", i.ID, i.Type, i.Target, i.TargetPort, i.Realm, i.GatewayID)
}

// Validate checks the descriptor is complete enough to open a tunnel.
func (i Info) Validate() error {
	var problems []string
	if !i.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", i.Type))
	}
	if i.Target == "" {
		problems = append(problems, "missing target")
	}
	if i.TargetPort <= 0 || i.TargetPort > 65535 {
		problems = append(problems, fmt.Sprintf("target port %d out of range", i.TargetPort))
	}
	if i.Type == TypeTCP && (i.AssignedPort <= 0 || i.AssignedPort > 65535) {
		problems = append(problems, "tcp tunnel requires an assigned port")
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidTunnel, strings.Join(problems, ", ")),
			"Info", "Validate", "validate tunnel "+i.ID)
	}
	return nil
}

// Matches reports whether other describes the same tunnel. Ids decide when
// both sides carry one, otherwise the endpoint fields are compared.
func (i Info) Matches(other Info) bool {
	if i.ID != "" && other.ID != "" {
		return i.ID == other.ID
	}
	return i.Realm == other.Realm &&
		i.Type == other.Type &&
		i.Target == other.Target &&
		i.TargetPort == other.TargetPort &&
		i.AssignedPort == other.AssignedPort &&
		i.Hostname == other.Hostname
}

// ExpiresWithin reports whether the tunnel auto closes within d of now.
func (i Info) ExpiresWithin(now time.Time, d time.Duration) bool {
	if i.AutoCloseTime == nil {
		return false
	}
	return i.AutoCloseTime.Before(now.Add(d))
}

// Endpoint is the SSH server a tunnel is established through.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
