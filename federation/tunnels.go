package federation

import (
	"context"
	"slices"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/openremote/openremote-sub007/connector"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/tunnel"
)

// activeTunnel is a tunnel the central side handed out. A pending tunnel
// holds its port while the gateway is still opening it.
type activeTunnel struct {
	info    tunnel.Info
	pending bool
	timer   *clock.Timer
}

func (t *activeTunnel) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// StartTunnel asks the owning gateway to open a tunnel. TCP tunnels get the
// next free port from the configured start port, HTTP and HTTPS tunnels the
// configured tunnel hostname. The returned descriptor is the one the gateway
// was given.
func (s *Service) StartTunnel(ctx context.Context, info tunnel.Info) (tunnel.Info, error) {
	c, err := s.tunnelConnector("StartTunnel", info)
	if err != nil {
		return tunnel.Info{}, err
	}
	if !c.TunnellingSupported() {
		return tunnel.Info{}, errors.WrapInvalid(errors.ErrTunnellingUnsupported, "Service", "StartTunnel", "check gateway "+c.GatewayID())
	}
	if !c.IsConnected() {
		return tunnel.Info{}, errors.WrapTransient(errors.ErrNotConnected, "Service", "StartTunnel", "check gateway "+c.GatewayID())
	}

	s.mu.Lock()
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if _, exists := s.tunnels[info.ID]; exists {
		s.mu.Unlock()
		return tunnel.Info{}, errors.WrapInvalid(errors.ErrInvalidTunnel, "Service", "StartTunnel", "reserve tunnel "+info.ID)
	}
	info.GatewayID = c.GatewayID()
	switch info.Type {
	case tunnel.TypeTCP:
		info.AssignedPort = s.nextPortLocked()
	case tunnel.TypeHTTP, tunnel.TypeHTTPS:
		if s.cfg.TunnelHostname != "" {
			info.Hostname = s.cfg.TunnelHostname
		}
	}
	if s.cfg.TunnelAutoClose > 0 {
		closeAt := s.clock.Now().Add(s.cfg.TunnelAutoClose)
		info.AutoCloseTime = &closeAt
	}
	if err := info.Validate(); err != nil {
		s.mu.Unlock()
		return tunnel.Info{}, err
	}
	t := &activeTunnel{info: info, pending: true}
	s.tunnels[info.ID] = t
	s.mu.Unlock()

	s.logger.Info("Starting tunnel", "tunnel", info.String())
	if err := c.StartTunnel(ctx, info); err != nil {
		s.mu.Lock()
		if s.tunnels[info.ID] == t {
			delete(s.tunnels, info.ID)
		}
		s.mu.Unlock()
		s.logger.Warn("Failed to start tunnel", "tunnel", info.ID, "error", err)
		return tunnel.Info{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnels[info.ID] != t {
		// Dropped while the gateway was opening it.
		return tunnel.Info{}, errors.WrapTransient(errors.ErrDisconnected, "Service", "StartTunnel", "register tunnel "+info.ID)
	}
	t.pending = false
	if info.AutoCloseTime != nil {
		id := info.ID
		t.timer = s.clock.AfterFunc(info.AutoCloseTime.Sub(s.clock.Now()), func() { s.autoClose(id, t) })
	}
	return info, nil
}

// nextPortLocked returns tcpStart plus the number of TCP tunnels held, moved
// past any port still taken.
func (s *Service) nextPortLocked() int {
	used := make(map[int]bool)
	for _, t := range s.tunnels {
		if t.info.Type == tunnel.TypeTCP {
			used[t.info.AssignedPort] = true
		}
	}
	port := s.cfg.TunnelTCPStart + len(used)
	for used[port] {
		port++
	}
	return port
}

func (s *Service) autoClose(id string, t *activeTunnel) {
	s.mu.RLock()
	current := s.tunnels[id] == t
	s.mu.RUnlock()
	if !current {
		return
	}
	s.logger.Info("Tunnel auto close time reached", "tunnel", id)
	if err := s.StopTunnel(context.Background(), t.info); err != nil {
		s.logger.Warn("Failed to auto close tunnel", "tunnel", id, "error", err)
	}
}

// StopTunnel asks the owning gateway to close a tunnel. The tunnel is
// forgotten even when the gateway cannot be reached.
func (s *Service) StopTunnel(ctx context.Context, info tunnel.Info) error {
	s.mu.Lock()
	t := s.findTunnelLocked(info)
	if t == nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrTunnelNotFound, "Service", "StopTunnel", "find tunnel "+info.ID)
	}
	t.stopTimer()
	delete(s.tunnels, t.info.ID)
	s.mu.Unlock()

	c, err := s.tunnelConnector("StopTunnel", t.info)
	if err != nil {
		return err
	}
	s.logger.Info("Stopping tunnel", "tunnel", t.info.String())
	return c.StopTunnel(ctx, t.info)
}

func (s *Service) findTunnelLocked(info tunnel.Info) *activeTunnel {
	if info.ID != "" {
		return s.tunnels[info.ID]
	}
	for _, t := range s.tunnels {
		if t.info.Matches(info) {
			return t
		}
	}
	return nil
}

// tunnelConnector returns the connector of the gateway named by info, which
// must live in info's realm.
func (s *Service) tunnelConnector(method string, info tunnel.Info) (*connector.Connector, error) {
	if info.GatewayID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidTunnel, "Service", method, "check gateway id")
	}
	c, ok := s.Connector(info.GatewayID)
	if !ok || c.Realm() != info.Realm {
		return nil, errors.WrapInvalid(errors.ErrGatewayNotFound, "Service", method, "find gateway "+info.GatewayID)
	}
	return c, nil
}

// Tunnels lists the established tunnels ordered by id.
func (s *Service) Tunnels() []tunnel.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunnelsLocked(func(tunnel.Info) bool { return true })
}

// ActiveTunnels lists the established tunnels of one gateway. It implements
// connector.TunnelLister.
func (s *Service) ActiveTunnels(gatewayID string) []tunnel.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunnelsLocked(func(i tunnel.Info) bool { return strings.EqualFold(i.GatewayID, gatewayID) })
}

func (s *Service) tunnelsLocked(keep func(tunnel.Info) bool) []tunnel.Info {
	out := make([]tunnel.Info, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		if !t.pending && keep(t.info) {
			out = append(out, t.info)
		}
	}
	slices.SortFunc(out, func(a, b tunnel.Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// dropTunnels forgets every tunnel of a gateway without contacting it.
func (s *Service) dropTunnels(gatewayID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropTunnelsLocked(gatewayID)
}

func (s *Service) dropTunnelsLocked(gatewayID string) {
	for id, t := range s.tunnels {
		if strings.EqualFold(t.info.GatewayID, gatewayID) {
			t.stopTimer()
			delete(s.tunnels, id)
		}
	}
}
