package edge

import (
	"time"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/protocol"
)

// ReadinessWindow is how long the edge waits for the central's capability
// probe before treating the link as ready anyway.
const ReadinessWindow = 30 * time.Second

// Handshake recognises the central's readiness signal. It implements
// transport.Handshake.
type Handshake struct {
	window time.Duration
}

// NewHandshake returns a handshake with the default readiness window.
func NewHandshake() Handshake {
	return Handshake{window: ReadinessWindow}
}

// Observe reports ready on a capability probe and fails when the central
// refuses the connection.
func (h Handshake) Observe(raw string) (bool, error) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return false, nil
	}
	switch ev := msg.Event.(type) {
	case *protocol.CapabilitiesRequest:
		return true, nil
	case *protocol.DisconnectNotice:
		return false, errors.Remote("connect", string(ev.Reason))
	}
	return false, nil
}

// Window returns the readiness window.
func (h Handshake) Window() time.Duration {
	if h.window <= 0 {
		return ReadinessWindow
	}
	return h.window
}
