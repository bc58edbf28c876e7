package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/protocol"
	"github.com/openremote/openremote-sub007/tunnel"
)

// Timing and sizing of the sync and request protocol.
const (
	SyncTimeout    = 10 * time.Second
	RequestTimeout = 10 * time.Second
	MaxSyncRetries = 5
	SyncBatchSize  = 20
)

// Correlation labels used on sync queries.
const (
	LabelInitial = "INITIAL"
	LabelBatch   = "BATCH"
)

// SourceGatewayService marks attribute events written on behalf of a gateway
// so they are not forwarded back to it.
const SourceGatewayService = "GatewayService"

// State is the connector's position in the sync lifecycle.
type State int

// Connector states
const (
	StateDisconnected State = iota
	StateConnecting
	StateInitialSync
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitialSync:
		return "initial-sync"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// syncing reports whether inbound asset traffic is cached rather than applied.
func (s State) syncing() bool {
	return s == StateConnecting || s == StateInitialSync
}

// ConnectionStatus is the value published for the gateway's status attribute.
type ConnectionStatus string

// Connection statuses
const (
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisabled     ConnectionStatus = "DISABLED"
)

// Sender delivers a message to the gateway's session.
type Sender interface {
	Send(msg protocol.Message) error
}

// Store persists the mirrored assets. store.AssetStore satisfies it.
type Store interface {
	Find(ctx context.Context, q *asset.Query) ([]*asset.Asset, error)
	Merge(ctx context.Context, a *asset.Asset) (*asset.Asset, error)
	Delete(ctx context.Context, ids ...string) ([]string, error)
}

// AttributeWriter applies an attribute change reported by the gateway.
type AttributeWriter interface {
	WriteAttribute(ctx context.Context, ev *asset.AttributeEvent) error
}

// StatusPublisher receives connection status changes.
type StatusPublisher interface {
	PublishStatus(gatewayID string, status ConnectionStatus)
}

// TunnelLister reports tunnels the central side holds open for a gateway.
type TunnelLister interface {
	ActiveTunnels(gatewayID string) []tunnel.Info
}

// Config holds a connector's identity and collaborators.
type Config struct {
	GatewayID  string
	Realm      string
	Store      Store
	Attributes AttributeWriter
	Status     StatusPublisher
	Tunnels    TunnelLister

	// TunnelSSHHostname and TunnelSSHPort are handed to the gateway when a
	// tunnel is started. Both are required for tunnelling.
	TunnelSSHHostname string
	TunnelSSHPort     int

	Disabled bool

	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// Connector mirrors one gateway into the central instance.
type Connector struct {
	gatewayID  string
	realm      string
	store      Store
	attributes AttributeWriter
	status     StatusPublisher
	tunnels    TunnelLister
	sshHost    string
	sshPort    int
	clock      clock.Clock
	logger     *slog.Logger
	registry   *metric.MetricsRegistry
	metrics    *Metrics

	mu      sync.Mutex
	effects []func()

	state               State
	disabled            bool
	sessionID           string
	sender              Sender
	disconnectRequester func()
	generation          uint64
	tunnellingSupported bool

	// sync cursor
	syncAssetIDs    []string
	syncIndex       int
	syncErrors      int
	expectedLabel   string
	requested       []string
	syncTimer       *clock.Timer
	syncSeq         uint64
	cachedAssets    []*asset.AssetEvent
	cachedAttribute []*asset.AttributeEvent

	pending map[string]*pending
}

// New creates a disconnected connector.
func New(cfg Config) *Connector {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Connector{
		gatewayID:  cfg.GatewayID,
		realm:      cfg.Realm,
		store:      cfg.Store,
		attributes: cfg.Attributes,
		status:     cfg.Status,
		tunnels:    cfg.Tunnels,
		sshHost:    cfg.TunnelSSHHostname,
		sshPort:    cfg.TunnelSSHPort,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With("component", "gateway-connector", "gateway", cfg.GatewayID),
		registry:   cfg.Registry,
		metrics:    newMetrics(cfg.Registry, cfg.GatewayID),
		disabled:   cfg.Disabled,
		pending:    make(map[string]*pending),
	}
}

// lock and unlock guard all mutable state. Work queued with after runs once
// the lock is released, in the order it was queued, so collaborators may call
// back into the connector.
func (c *Connector) lock() {
	c.mu.Lock()
}

func (c *Connector) unlock() {
	effects := c.effects
	c.effects = nil
	c.mu.Unlock()
	for _, fn := range effects {
		fn()
	}
}

func (c *Connector) after(fn func()) {
	c.effects = append(c.effects, fn)
}

// GatewayID returns the id of the gateway asset this connector serves.
func (c *Connector) GatewayID() string {
	return c.gatewayID
}

// Realm returns the realm the gateway asset lives in.
func (c *Connector) Realm() string {
	return c.realm
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether initial sync has finished on a live session.
func (c *Connector) IsConnected() bool {
	return c.State() == StateConnected
}

// SessionID returns the live session id, empty when disconnected.
func (c *Connector) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Disabled reports whether the gateway is disabled.
func (c *Connector) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// TunnellingSupported reports whether both this instance and the connected
// gateway can run tunnels.
func (c *Connector) TunnellingSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnellingSupported && c.sshHost != "" && c.sshPort > 0
}

// Connect attaches a new gateway session and starts the initial sync. A live
// session is dropped first. Disabled gateways are refused.
func (c *Connector) Connect(sessionID string, sender Sender, disconnectRequester func()) error {
	c.lock()
	defer c.unlock()

	if c.disabled {
		return errors.WrapInvalid(errors.ErrGatewayDisabled, "Connector", "Connect", "attach session "+sessionID)
	}
	if c.sessionID != "" {
		c.logger.Warn("Gateway already connected so dropping previous session",
			"session", c.sessionID, "new_session", sessionID)
		c.sendLocked(protocol.Message{Event: &protocol.DisconnectNotice{Reason: protocol.ReasonAlreadyConnected}})
		c.disconnectLocked()
	}

	c.generation++
	c.sessionID = sessionID
	c.sender = sender
	c.disconnectRequester = disconnectRequester
	c.logger.Info("Gateway connected", "session", sessionID)

	c.publishLocked(StatusConnecting)
	c.startSyncLocked()
	return nil
}

// Disconnect detaches sessionID. Calls for any other session are ignored so a
// late close of a replaced session leaves the current one intact.
func (c *Connector) Disconnect(sessionID string) {
	c.lock()
	defer c.unlock()

	if c.sessionID == "" || sessionID != c.sessionID {
		c.logger.Debug("Ignoring disconnect of stale session", "session", sessionID, "current", c.sessionID)
		return
	}
	c.logger.Info("Gateway disconnected", "session", sessionID)
	c.disconnectLocked()
}

// SetDisabled toggles the gateway. Disabling tells a live gateway why it is
// being dropped and then disconnects it.
func (c *Connector) SetDisabled(disabled bool) {
	c.lock()
	defer c.unlock()

	if c.disabled == disabled {
		return
	}
	c.disabled = disabled

	if !disabled {
		c.logger.Info("Gateway enabled")
		c.publishLocked(StatusDisconnected)
		return
	}

	c.logger.Info("Gateway disabled")
	if c.sessionID != "" {
		c.sendLocked(protocol.Message{Event: &protocol.DisconnectNotice{Reason: protocol.ReasonDisabled}})
		c.disconnectLocked()
	}
	c.publishLocked(StatusDisabled)
}

// Shutdown notifies a live gateway with reason and disconnects it. Metrics
// are released, the connector must not be reused.
func (c *Connector) Shutdown(reason protocol.DisconnectReason) {
	c.lock()
	if c.sessionID != "" {
		c.sendLocked(protocol.Message{Event: &protocol.DisconnectNotice{Reason: reason}})
		c.disconnectLocked()
	}
	c.unlock()
	unregisterMetrics(c.registry, c.gatewayID)
}

// disconnectLocked tears the session down. It is idempotent.
func (c *Connector) disconnectLocked() {
	if c.sessionID == "" && c.state == StateDisconnected {
		return
	}

	c.cancelSyncTimerLocked()
	c.failPendingLocked(errors.Wrap(errors.ErrDisconnected, "Connector", "disconnect", "await gateway response"))

	requester := c.disconnectRequester
	c.generation++
	c.state = StateDisconnected
	c.sessionID = ""
	c.sender = nil
	c.disconnectRequester = nil
	c.tunnellingSupported = false
	c.resetSyncLocked()

	if requester != nil {
		c.after(requester)
	}
	if !c.disabled {
		c.publishLocked(StatusDisconnected)
	}
}

func (c *Connector) publishLocked(status ConnectionStatus) {
	if c.status == nil {
		return
	}
	publisher := c.status
	gatewayID := c.gatewayID
	c.after(func() { publisher.PublishStatus(gatewayID, status) })
}

// sendLocked queues msg for the current session.
func (c *Connector) sendLocked(msg protocol.Message) {
	c.sendWithLocked(msg, nil)
}

// sendWithLocked queues msg for the current session and reports a delivery
// failure to onError.
func (c *Connector) sendWithLocked(msg protocol.Message, onError func(error)) {
	sender := c.sender
	if sender == nil {
		if onError != nil {
			err := errors.Wrap(errors.ErrNotConnected, "Connector", "send", "send "+string(msg.Event.Kind()))
			c.after(func() { onError(err) })
		}
		return
	}
	logger := c.logger
	c.after(func() {
		if err := sender.Send(msg); err != nil {
			logger.Warn("Failed to send message to gateway", "kind", msg.Event.Kind(), "error", err)
			if onError != nil {
				onError(err)
			}
		}
	})
}

// sendIfCurrent sends msg when the session of gen is still live.
func (c *Connector) sendIfCurrent(gen uint64, msg protocol.Message) {
	c.lock()
	defer c.unlock()
	if gen != c.generation {
		return
	}
	c.sendLocked(msg)
}

// OnMessage handles a message received on sessionID. Messages from a stale
// session are dropped.
func (c *Connector) OnMessage(sessionID string, msg protocol.Message) {
	c.lock()
	defer c.unlock()

	if c.sessionID == "" || sessionID != c.sessionID {
		c.logger.Debug("Gateway message received for an obsolete session so ignoring", "session", sessionID)
		return
	}

	switch ev := msg.Event.(type) {
	case *protocol.Assets:
		c.onAssetsLocked(msg.ID, ev.Assets)
	case *protocol.AssetEvent:
		c.onAssetEventLocked(&ev.AssetEvent)
	case *protocol.AttributeEvent:
		c.onAttributeEventLocked(&ev.AttributeEvent)
	case *protocol.CapabilitiesResponse:
		c.resolveLocked(keyFor(protocol.KindCapabilitiesResponse), msg.ID, ev)
	case *protocol.TunnelStartResponse:
		c.resolveLocked(keyFor(protocol.KindTunnelStartResponse), msg.ID, ev)
	case *protocol.TunnelStopResponse:
		c.resolveLocked(keyFor(protocol.KindTunnelStopResponse), msg.ID, ev)
	case *protocol.DisconnectNotice:
		c.logger.Info("Gateway is disconnecting", "reason", ev.Reason)
	case *protocol.CapabilitiesRequest, *protocol.Initialised, *protocol.ReadAssets, *protocol.ReadAsset,
		*protocol.TunnelStartRequest, *protocol.TunnelStopRequest:
		c.logger.Debug("Ignoring message not handled by the central side", "kind", ev.Kind())
	default:
		c.logger.Warn("Ignoring unknown gateway message", "kind", msg.Event.Kind())
	}
}

func (c *Connector) onAssetEventLocked(ev *asset.AssetEvent) {
	if ev.Asset == nil || ev.Asset.ID == "" {
		c.logger.Debug("Ignoring asset event without asset")
		return
	}
	if c.state.syncing() {
		c.cachedAssets = append(c.cachedAssets, ev)
		return
	}

	switch ev.Cause {
	case asset.CauseDelete:
		id := ev.Asset.ID
		c.after(func() { c.deleteLocally(context.Background(), id) })
	default:
		a := ev.Asset
		merge, hasMerge := c.takePendingLocked(mergeKey(a.ID))
		c.after(func() {
			saved, err := c.saveLocally(context.Background(), a)
			if hasMerge {
				merge.resolve(saved, err)
			}
		})
	}
}

func (c *Connector) onAttributeEventLocked(ev *asset.AttributeEvent) {
	if c.state.syncing() {
		c.cachedAttribute = append(c.cachedAttribute, ev)
		return
	}
	c.after(func() { c.writeAttribute(context.Background(), ev) })
}

// saveLocally stores a gateway asset under its central id. Root assets are
// parented to the gateway asset and every asset is placed in the gateway's realm.
func (c *Connector) saveLocally(ctx context.Context, a *asset.Asset) (*asset.Asset, error) {
	local := a.Clone()
	local.ID = c.inbound(a.ID)
	if a.ParentID == "" {
		local.ParentID = c.gatewayID
	} else {
		local.ParentID = c.inbound(a.ParentID)
	}
	local.Realm = c.realm

	saved, err := c.store.Merge(ctx, local)
	if err != nil {
		c.logger.Warn("Failed to save gateway asset", "asset", a.ID, "local_asset", local.ID, "error", err)
		return nil, errors.Wrap(err, "Connector", "saveLocally", "merge asset "+local.ID)
	}
	c.metrics.EventsApplied.Inc()
	return saved, nil
}

func (c *Connector) deleteLocally(ctx context.Context, id string) {
	local := c.inbound(id)
	if _, err := c.store.Delete(ctx, local); err != nil {
		c.logger.Warn("Failed to delete gateway asset", "asset", id, "local_asset", local, "error", err)
		return
	}
	c.metrics.EventsApplied.Inc()
}

func (c *Connector) writeAttribute(ctx context.Context, ev *asset.AttributeEvent) {
	if c.attributes == nil {
		return
	}
	local := ev.Clone()
	local.Ref.ID = c.inbound(ev.Ref.ID)
	if ev.ParentID != "" {
		local.ParentID = c.inbound(ev.ParentID)
	}
	local.Realm = c.realm
	local.Source = SourceGatewayService

	if err := c.attributes.WriteAttribute(ctx, local); err != nil {
		c.logger.Warn("Failed to apply gateway attribute event", "ref", local.Ref.String(), "error", err)
		return
	}
	c.metrics.EventsApplied.Inc()
}
