package federation

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/openremote/openremote-sub007/edge"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/eventbus"
	"github.com/openremote/openremote-sub007/health"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/pkg/retry"
	"github.com/openremote/openremote-sub007/service"
	"github.com/openremote/openremote-sub007/store"
	"github.com/openremote/openremote-sub007/transport"
	"github.com/openremote/openremote-sub007/tunnel"
	"github.com/openremote/openremote-sub007/types"
)

// connectorStopTimeout bounds how long a replaced connector may take to stop.
const connectorStopTimeout = 5 * time.Second

// ClientConfig configures the edge ClientService.
type ClientConfig struct {
	Connections store.ConnectionStore
	Store       store.AssetStore
	Bus         eventbus.Bus

	// Tunnels is optional. Without it gateways report no tunnelling support.
	Tunnels tunnel.Factory

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Reconnect  retry.Config

	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

type clientEntry struct {
	conn      types.GatewayConnection
	connector *edge.ClientConnector
}

// ClientService keeps one edge.ClientConnector per local realm.
type ClientService struct {
	*service.BaseService

	cfg     ClientConfig
	conns   store.ConnectionStore
	logger  *slog.Logger
	monitor *health.Monitor

	mu          sync.Mutex
	ctx         context.Context
	entries     map[string]*clientEntry
	unsubscribe func() error
}

// NewClientService creates a stopped edge service.
func NewClientService(cfg ClientConfig) (*ClientService, error) {
	if cfg.Connections == nil || cfg.Store == nil || cfg.Bus == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ClientService", "NewClientService", "check stores and bus")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &ClientService{
		cfg:     cfg,
		conns:   cfg.Connections,
		logger:  cfg.Logger.With("component", "gateway-client-service"),
		monitor: health.NewMonitor(),
		ctx:     context.Background(),
		entries: make(map[string]*clientEntry),
	}
	s.BaseService = service.NewBaseService("gateway-client-service",
		service.WithLogger(s.logger),
		service.WithMetrics(cfg.Registry),
		service.WithClock(cfg.Clock),
	)
	return s, nil
}

// Start connects every stored connection.
func (s *ClientService) Start(ctx context.Context) error {
	if s.BaseService.Status() == service.StatusRunning {
		return errors.Wrap(errors.ErrAlreadyStarted, "ClientService", "Start", "start gateway client service")
	}

	unsubscribe, err := s.cfg.Bus.SubscribeStatus(ctx, "", s.onStatus)
	if err != nil {
		return errors.WrapTransient(err, "ClientService", "Start", "subscribe connection status")
	}
	s.mu.Lock()
	s.ctx = ctx
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	conns, err := s.conns.List(ctx)
	if err != nil {
		return errors.WrapTransient(err, "ClientService", "Start", "load gateway connections")
	}
	for _, conn := range conns {
		s.replace(ctx, *conn)
	}
	s.logger.Info("Loaded gateway connections", "count", len(conns))

	return s.BaseService.Start(ctx)
}

// Stop disconnects every connector and stops the tunnel factory's sessions.
func (s *ClientService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	entries := make([]*clientEntry, 0, len(s.entries))
	for realm, e := range s.entries {
		entries = append(entries, e)
		delete(s.entries, realm)
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectorStopTimeout)
	defer cancel()

	var errs error
	for _, e := range entries {
		if e.connector != nil {
			errs = multierr.Append(errs, e.connector.Stop(ctx))
		}
		s.monitor.Remove(e.conn.LocalRealm)
	}
	if unsubscribe != nil {
		errs = multierr.Append(errs, unsubscribe())
	}
	if s.cfg.Tunnels != nil {
		errs = multierr.Append(errs, s.cfg.Tunnels.StopAll())
	}
	return multierr.Append(errs, s.BaseService.Stop(timeout))
}

// Health reports the service health with one sub status per connection.
func (s *ClientService) Health() health.Status {
	return s.BaseService.Health().WithSubStatus(s.monitor.AggregateHealth("connections"))
}

// Connections returns the stored connections ordered by local realm.
func (s *ClientService) Connections(ctx context.Context) ([]*types.GatewayConnection, error) {
	conns, err := s.conns.List(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "ClientService", "Connections", "list connections")
	}
	slices.SortFunc(conns, func(a, b *types.GatewayConnection) int { return strings.Compare(a.LocalRealm, b.LocalRealm) })
	return conns, nil
}

// Connection returns the stored connection of a local realm.
func (s *ClientService) Connection(ctx context.Context, realm string) (*types.GatewayConnection, error) {
	return s.conns.Get(ctx, realm)
}

// PutConnection validates and stores a connection, then replaces the
// realm's connector with one built from it.
func (s *ClientService) PutConnection(ctx context.Context, conn types.GatewayConnection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	if err := s.conns.Put(ctx, &conn); err != nil {
		return errors.WrapTransient(err, "ClientService", "PutConnection", "store connection for realm "+conn.LocalRealm)
	}
	s.logger.Info("Gateway connection saved", "realm", conn.LocalRealm, "host", conn.Host, "disabled", conn.Disabled)
	if s.running() {
		s.replace(s.runContext(), conn)
	}
	return nil
}

// DeleteConnections removes the connections of the given local realms and
// stops their connectors.
func (s *ClientService) DeleteConnections(ctx context.Context, realms ...string) error {
	if err := s.conns.Delete(ctx, realms...); err != nil {
		return errors.Wrap(err, "ClientService", "DeleteConnections", "delete connections")
	}

	var errs error
	for _, realm := range realms {
		s.mu.Lock()
		e, ok := s.entries[realm]
		delete(s.entries, realm)
		s.mu.Unlock()
		if !ok {
			continue
		}
		errs = multierr.Append(errs, s.stopEntry(e))
		s.monitor.Remove(realm)
		s.logger.Info("Gateway connection deleted", "realm", realm)
	}
	return errs
}

// ConnectionStatus returns the connection status of a local realm. Unknown
// realms report false.
func (s *ClientService) ConnectionStatus(realm string) (string, bool) {
	s.mu.Lock()
	e, ok := s.entries[realm]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	if e.connector == nil {
		return edge.StatusDisabled, true
	}
	return e.connector.Status(), true
}

// ClientConnector returns the connector of a local realm.
func (s *ClientService) ClientConnector(realm string) (*edge.ClientConnector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[realm]
	if !ok || e.connector == nil {
		return nil, false
	}
	return e.connector, true
}

// replace stops the realm's current connector and starts one for conn. A
// connection that cannot be built is kept but reported DISABLED.
func (s *ClientService) replace(ctx context.Context, conn types.GatewayConnection) {
	s.mu.Lock()
	old := s.entries[conn.LocalRealm]
	s.mu.Unlock()
	if old != nil {
		if err := s.stopEntry(old); err != nil {
			s.logger.Warn("Failed to stop replaced gateway connector", "realm", conn.LocalRealm, "error", err)
		}
	}

	entry := &clientEntry{conn: conn}
	c, err := edge.New(edge.Config{
		Connection: conn,
		Store:      s.cfg.Store,
		Bus:        s.cfg.Bus,
		Tunnels:    s.cfg.Tunnels,
		HTTPClient: s.cfg.HTTPClient,
		Dialer:     s.cfg.Dialer,
		Reconnect:  s.cfg.Reconnect,
		Clock:      s.cfg.Clock,
		Logger:     s.cfg.Logger,
		Registry:   s.cfg.Registry,
	})
	if err != nil {
		s.logger.Warn("Creating gateway client failed so marking connection as disabled", "realm", conn.LocalRealm, "error", err)
		s.put(entry)
		s.recordStatus(conn.LocalRealm, edge.StatusDisabled)
		return
	}

	entry.connector = c
	s.put(entry)
	if err := c.Start(ctx); err != nil {
		s.logger.Warn("Failed to start gateway client", "realm", conn.LocalRealm, "error", err)
	}
}

func (s *ClientService) put(e *clientEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.conn.LocalRealm] = e
}

func (s *ClientService) stopEntry(e *clientEntry) error {
	var errs error
	if e.connector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), connectorStopTimeout)
		errs = e.connector.Stop(ctx)
		cancel()
	}
	if s.cfg.Tunnels != nil {
		errs = multierr.Append(errs, s.cfg.Tunnels.StopAllInRealm(e.conn.LocalRealm))
	}
	return errs
}

// onStatus tracks edge connection statuses. Statuses carrying a gateway id
// come from the central side and are ignored.
func (s *ClientService) onStatus(_ context.Context, status eventbus.ConnectionStatus) {
	if status.GatewayID != "" {
		return
	}
	s.mu.Lock()
	_, managed := s.entries[status.Realm]
	s.mu.Unlock()
	if !managed {
		return
	}

	s.logger.Info("Gateway connection status changed", "realm", status.Realm, "status", status.Status)
	s.recordStatus(status.Realm, status.Status)

	if status.Status != string(transport.StatusConnected) && s.cfg.Tunnels != nil {
		if err := s.cfg.Tunnels.StopAllInRealm(status.Realm); err != nil {
			s.logger.Warn("Failed to stop tunnels for realm", "realm", status.Realm, "error", err)
		}
	}
}

func (s *ClientService) recordStatus(realm, status string) {
	s.monitor.Update(realm, health.FromConnectionStatus(realm, status))
	if s.cfg.Registry != nil {
		s.cfg.Registry.CoreMetrics().RecordConnectionStatus("edge", realm, status)
	}
}

func (s *ClientService) running() bool {
	return s.BaseService.Status() == service.StatusRunning
}

func (s *ClientService) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
