package tunnel

import "context"

// Factory establishes and tears down tunnels.
//
// Start returns as soon as the session is registered; callers wait on the
// session for the outcome. An invalid descriptor fails Start directly with an
// error matching errors.ErrInvalidTunnel, while connection problems surface
// through the session with errors.ErrTunnelFailed. Stop fails with
// errors.ErrTunnelNotFound when no live session matches. The sweeps attempt
// every session and return the combined error.
type Factory interface {
	Start(ctx context.Context, server Endpoint, info Info) (*Session, error)
	Stop(info Info) error
	StopAllInRealm(realm string) error
	StopAll() error
}
