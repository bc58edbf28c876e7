package transport

import (
	"context"
	"net/http"
	"time"
)

// Status is the connection status of a Client.
type Status string

// Connection statuses
const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	// StatusWaiting means the client is backing off before reconnecting.
	StatusWaiting Status = "WAITING"
	StatusError   Status = "ERROR"
)

// StatusEvent is delivered to status subscribers on every change. Final is
// only meaningful for StatusConnected and reports whether the readiness
// handshake has completed.
type StatusEvent struct {
	Status Status
	Final  bool
	Err    error
}

// Handshake decides when an open socket is ready for use.
type Handshake interface {
	// Observe inspects an inbound message while the handshake is pending. It
	// returns ready=true when the peer is ready, or an error when the peer
	// rejected the connection.
	Observe(msg string) (ready bool, err error)
	// Window is how long to wait for readiness before assuming the peer never
	// signals it.
	Window() time.Duration
}

// CredentialProvider supplies the headers used to authenticate the upgrade
// request. It is called on every connect attempt.
type CredentialProvider interface {
	Header(ctx context.Context) (http.Header, error)
}
