package edge

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/eventbus"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/pkg/retry"
	"github.com/openremote/openremote-sub007/protocol"
	"github.com/openremote/openremote-sub007/store"
	"github.com/openremote/openremote-sub007/syncrule"
	"github.com/openremote/openremote-sub007/transport"
	"github.com/openremote/openremote-sub007/tunnel"
	"github.com/openremote/openremote-sub007/types"
)

// SourceGatewayClient marks attribute events applied on behalf of the
// central instance. Such events are always forwarded back upward.
const SourceGatewayClient = "GatewayClientConnector"

// StatusDisabled is reported for connections that are configured but disabled.
const StatusDisabled = "DISABLED"

// messageSender is the outbound half of the transport client.
type messageSender interface {
	Send(msg string) error
}

// Config configures a ClientConnector.
type Config struct {
	Connection types.GatewayConnection
	Store      store.AssetStore
	Bus        eventbus.Bus
	// Tunnels is optional. Without a factory the edge reports no tunnelling support.
	Tunnels tunnel.Factory

	// HTTPClient is used for token requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Reconnect  retry.Config

	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// ClientConnector links one local realm to a central instance.
type ClientConnector struct {
	conn     types.GatewayConnection
	store    store.AssetStore
	bus      eventbus.Bus
	factory  tunnel.Factory
	client   *transport.Client
	link     messageSender
	filters  *filterPipeline
	rules    syncrule.Rules
	sessions *tunnel.Registry
	clock    clock.Clock
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *Metrics

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	status         string
	centralVersion string
	server         tunnel.Endpoint
	unsubscribe    []func() error
}

// New validates the connection and builds a stopped connector.
func New(cfg Config) (*ClientConnector, error) {
	conn := cfg.Connection
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil || cfg.Bus == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ClientConnector", "New", "check store and bus")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	rules := syncrule.Rules(conn.AssetSyncRules)
	filters, err := newFilterPipeline(conn.LocalRealm, conn.AttributeFilters, rules, cfg.Clock)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("component", "gateway-client", "realm", conn.LocalRealm)
	client, err := transport.NewClient(transport.ClientConfig{
		Name:        "edge-" + conn.LocalRealm,
		URL:         conn.WebsocketURL(),
		Credentials: transport.NewOAuthCredentials(conn.TokenURL(), conn.ClientID, conn.ClientSecret, cfg.HTTPClient),
		Handshake:   NewHandshake(),
		Reconnect:   cfg.Reconnect,
		Dialer:      cfg.Dialer,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Registry:    cfg.Registry,
	})
	if err != nil {
		return nil, err
	}

	c := &ClientConnector{
		conn:     conn,
		store:    cfg.Store,
		bus:      cfg.Bus,
		factory:  cfg.Tunnels,
		client:   client,
		link:     client,
		filters:  filters,
		rules:    rules,
		sessions: tunnel.NewRegistry(),
		clock:    cfg.Clock,
		logger:   logger,
		registry: cfg.Registry,
		metrics:  newMetrics(cfg.Registry, conn.LocalRealm),
		ctx:      context.Background(),
		status:   string(transport.StatusDisconnected),
	}
	if conn.Disabled {
		c.status = StatusDisabled
	}
	return c, nil
}

// Realm returns the local realm this connector serves.
func (c *ClientConnector) Realm() string {
	return c.conn.LocalRealm
}

// Connection returns the connection the connector was built from.
func (c *ClientConnector) Connection() types.GatewayConnection {
	return c.conn
}

// Status returns the last published connection status.
func (c *ClientConnector) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CentralVersion returns the protocol version announced by the central
// instance, empty for legacy peers or before the first probe.
func (c *ClientConnector) CentralVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.centralVersion
}

// Start subscribes to local changes and starts connecting. A disabled
// connection only publishes its status.
func (c *ClientConnector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	if c.conn.Disabled {
		c.logger.Info("Gateway connection is disabled")
		c.publishStatus(StatusDisabled)
		return nil
	}

	realm := c.conn.LocalRealm
	unsubAssets, err := c.bus.SubscribeAssets(runCtx, realm, c.onLocalAsset)
	if err != nil {
		return errors.Wrap(err, "ClientConnector", "Start", "subscribe to asset events")
	}
	unsubAttributes, err := c.bus.SubscribeAttributes(runCtx, realm, c.onLocalAttribute)
	if err != nil {
		_ = unsubAssets()
		return errors.Wrap(err, "ClientConnector", "Start", "subscribe to attribute events")
	}
	c.mu.Lock()
	c.unsubscribe = []func() error{unsubAssets, unsubAttributes}
	c.mu.Unlock()

	c.client.Subscribe(c.onStatus)
	c.client.AddMessageConsumer(c.onMessage)

	c.logger.Info("Connecting to central instance", "url", c.conn.WebsocketURL())
	if err := c.client.Connect(runCtx); err != nil {
		return errors.Wrap(err, "ClientConnector", "Start", "connect")
	}
	return nil
}

// Stop disconnects, waits for the connection loop to exit or ctx to end and
// tears down every tunnel.
func (c *ClientConnector) Stop(ctx context.Context) error {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	cancel := c.cancel
	c.mu.Unlock()

	var err error
	for _, fn := range unsubscribe {
		err = multierr.Append(err, fn())
	}
	err = multierr.Append(err, c.client.Disconnect())
	if cancel != nil {
		cancel()
	}
	if done := c.client.Done(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, ctx.Err())
		}
	}
	err = multierr.Append(err, c.stopAllTunnels())
	unregisterMetrics(c.registry, c.conn.LocalRealm)
	return err
}

// onStatus publishes transport status changes. CONNECTED is only published
// once the readiness handshake has completed.
func (c *ClientConnector) onStatus(ev transport.StatusEvent) {
	if ev.Status == transport.StatusConnected && !ev.Final {
		c.logger.Debug("Socket open, awaiting central readiness")
		return
	}
	if ev.Status != transport.StatusConnected {
		if err := c.stopAllTunnels(); err != nil {
			c.logger.Warn("Failed to stop tunnels", "error", err)
		}
	}
	if ev.Err != nil {
		c.logger.Info("Connection status changed", "status", ev.Status, "error", ev.Err)
	}
	c.publishStatus(string(ev.Status))
}

func (c *ClientConnector) publishStatus(status string) {
	c.mu.Lock()
	if c.status == status && status != StatusDisabled {
		c.mu.Unlock()
		return
	}
	c.status = status
	ctx := c.ctx
	c.mu.Unlock()

	err := c.bus.PublishStatus(context.WithoutCancel(ctx), eventbus.ConnectionStatus{
		Realm:     c.conn.LocalRealm,
		Status:    status,
		Timestamp: c.clock.Now(),
	})
	if err != nil {
		c.logger.Warn("Failed to publish connection status", "status", status, "error", err)
	}
}

// onLocalAsset forwards a local asset change with sync rules applied.
func (c *ClientConnector) onLocalAsset(_ context.Context, ev *asset.AssetEvent) {
	if ev == nil || ev.Asset == nil || ev.Asset.Realm != c.conn.LocalRealm {
		return
	}
	a := ev.Asset.Clone()
	c.rules.ApplyAsset(a)

	out := protocol.NewAssetEvent(ev.Cause, a)
	out.UpdatedProperties = slices.Clone(ev.UpdatedProperties)
	if c.send(protocol.Message{Event: out}) {
		c.metrics.EventsForwarded.Inc()
	}
}

// onLocalAttribute forwards a local attribute change that passes the filters.
func (c *ClientConnector) onLocalAttribute(_ context.Context, ev *asset.AttributeEvent) {
	if !c.filters.Allow(ev) {
		c.metrics.EventsFiltered.Inc()
		return
	}
	out := ev.Clone()
	c.rules.ApplyAttributeEvent(out)
	if c.send(protocol.Message{Event: protocol.NewAttributeEvent(out)}) {
		c.metrics.EventsForwarded.Inc()
	}
}

// send encodes and writes msg, reporting whether it was written.
func (c *ClientConnector) send(msg protocol.Message) bool {
	raw, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Warn("Failed to encode message", "kind", msg.Event.Kind(), "error", err)
		return false
	}
	if err := c.link.Send(raw); err != nil {
		c.logger.Debug("Message not sent", "kind", msg.Event.Kind(), "error", err)
		return false
	}
	return true
}

func (c *ClientConnector) reply(id string, ev protocol.Event) {
	c.send(protocol.Message{ID: id, Event: ev})
}

func (c *ClientConnector) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}
