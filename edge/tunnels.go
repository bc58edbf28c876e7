package edge

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/tunnel"
)

const (
	// TunnelStartTimeout bounds how long a tunnel may take to establish.
	TunnelStartTimeout = 5 * time.Second
	// TunnelExpiryMargin skips tunnels about to auto close during reconcile.
	TunnelExpiryMargin = 5 * time.Second
)

func (c *ClientConnector) tunnelServer() tunnel.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Tunnels returns the tunnels currently held open by this connector.
func (c *ClientConnector) Tunnels() []tunnel.Info {
	sessions := c.sessions.List()
	out := make([]tunnel.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// StartTunnel opens info through the tunnel server announced by the central
// instance and waits for it to establish.
func (c *ClientConnector) StartTunnel(ctx context.Context, info tunnel.Info) error {
	return c.startTunnel(ctx, c.tunnelServer(), info)
}

func (c *ClientConnector) startTunnel(ctx context.Context, server tunnel.Endpoint, info tunnel.Info) error {
	if c.factory == nil {
		return errors.WrapInvalid(errors.ErrTunnellingUnsupported, "ClientConnector", "StartTunnel", "check tunnel factory")
	}
	if server.Host == "" || server.Port <= 0 {
		return errors.WrapInvalid(errors.ErrTunnellingUnsupported, "ClientConnector", "StartTunnel", "resolve tunnel server")
	}

	session, err := c.factory.Start(ctx, server, info)
	if err != nil {
		return err
	}
	c.sessions.Add(session)
	session.OnClose(func(s *tunnel.Session) { c.sessions.Remove(s) })

	waitCtx, cancel := context.WithTimeout(ctx, TunnelStartTimeout)
	defer cancel()
	if err := session.Wait(waitCtx); err != nil {
		c.sessions.Remove(session)
		_ = session.Disconnect()
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.WrapTransient(errors.ErrTunnelFailed, "ClientConnector", "StartTunnel", "await tunnel "+info.ID)
		}
		return err
	}
	c.logger.Info("Tunnel started", "tunnel", info.String(), "server", server.String())
	return nil
}

// StopTunnel disconnects the first live tunnel matching info.
func (c *ClientConnector) StopTunnel(info tunnel.Info) error {
	session, ok := c.sessions.Take(info)
	if !ok {
		return errors.WrapInvalid(errors.ErrTunnelNotFound, "ClientConnector", "StopTunnel", "find tunnel "+info.ID)
	}
	c.logger.Info("Stopping tunnel", "tunnel", info.String())
	return session.Disconnect()
}

func (c *ClientConnector) stopAllTunnels() error {
	sessions := c.sessions.TakeAll(nil)
	if len(sessions) == 0 {
		return nil
	}
	c.logger.Info("Stopping all tunnels", "count", len(sessions))
	return tunnel.DisconnectAll(sessions)
}

// reconcileTunnels brings the live tunnels in line with the list the central
// instance considers active. An empty list stops everything.
func (c *ClientConnector) reconcileTunnels(ctx context.Context, active []tunnel.Info) {
	if c.factory == nil {
		return
	}
	if len(active) == 0 {
		if err := c.stopAllTunnels(); err != nil {
			c.logger.Warn("Failed to stop tunnels", "error", err)
		}
		return
	}

	now := c.clock.Now()
	wanted := slices.DeleteFunc(slices.Clone(active), func(info tunnel.Info) bool {
		return info.ExpiresWithin(now, TunnelExpiryMargin)
	})

	obsolete := c.sessions.TakeAll(func(s *tunnel.Session) bool {
		return !slices.ContainsFunc(wanted, s.Info().Matches)
	})
	if err := tunnel.DisconnectAll(obsolete); err != nil {
		c.logger.Warn("Failed to stop obsolete tunnels", "error", err)
	}

	server := c.tunnelServer()
	var g errgroup.Group
	for _, info := range wanted {
		if _, live := c.sessions.Find(info); live {
			continue
		}
		g.Go(func() error {
			if err := c.startTunnel(ctx, server, info); err != nil {
				c.logger.Warn("Failed to restore tunnel", "tunnel", info.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
