package federation

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/connector"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/eventbus"
	"github.com/openremote/openremote-sub007/health"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/protocol"
	"github.com/openremote/openremote-sub007/service"
	"github.com/openremote/openremote-sub007/store"
)

// Gateway asset type and the attributes the central service reads and writes.
const (
	GatewayAssetType      = "GatewayAsset"
	AttributeClientID     = "clientId"
	AttributeClientSecret = "clientSecret"
	AttributeDisabled     = "disabled"
	AttributeStatus       = "status"
)

// ClientIDPrefix starts the client id of every gateway service account.
const ClientIDPrefix = "gateway-"

const maxClientIDLength = 255

// loadConcurrency bounds the connectors built in parallel at start.
const loadConcurrency = 8

// ClientID returns the client id a gateway authenticates with.
func ClientID(gatewayID string) string {
	id := ClientIDPrefix + strings.ToLower(gatewayID)
	if len(id) > maxClientIDLength {
		id = id[:maxClientIDLength-1]
	}
	return id
}

// GatewayIDFromClientID strips the client id prefix. The returned id is
// lower case.
func GatewayIDFromClientID(clientID string) (string, bool) {
	id, ok := strings.CutPrefix(strings.ToLower(clientID), ClientIDPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// CentralConfig configures the central Service.
type CentralConfig struct {
	Store store.AssetStore
	Bus   eventbus.Bus

	// TunnelSSHHostname and TunnelSSHPort locate the SSH server gateways
	// open tunnels through. Tunnelling is off unless both are set.
	TunnelSSHHostname string
	TunnelSSHPort     int

	// TunnelHostname is assigned to HTTP and HTTPS tunnels.
	TunnelHostname string

	// TunnelTCPStart is the first port handed out to TCP tunnels.
	TunnelTCPStart int

	// TunnelAutoClose closes tunnels after the given duration. Zero keeps
	// them open until stopped.
	TunnelAutoClose time.Duration

	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// Validate checks the required collaborators are present.
func (c *CentralConfig) Validate() error {
	if c.Store == nil || c.Bus == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "CentralConfig", "Validate", "check store and bus")
	}
	if c.TunnelSSHPort < 0 || c.TunnelSSHPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CentralConfig", "Validate", "check tunnel ssh port")
	}
	if c.TunnelTCPStart < 0 || c.TunnelTCPStart > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "CentralConfig", "Validate", "check tunnel tcp start port")
	}
	return nil
}

type gatewayEntry struct {
	connector *connector.Connector
	secret    string
	status    connector.ConnectionStatus
}

// GatewayInfo summarises one registered gateway.
type GatewayInfo struct {
	ID                  string `json:"id"`
	Realm               string `json:"realm"`
	ClientID            string `json:"clientId"`
	State               string `json:"state"`
	Status              string `json:"status"`
	Disabled            bool   `json:"disabled"`
	TunnellingSupported bool   `json:"tunnellingSupported"`
	SessionID           string `json:"sessionId,omitempty"`
}

// Service is the central federation service.
//
// Connector methods that take the connector lock are never called while mu
// is held: connectors report status and close sessions through callbacks
// that take mu.
type Service struct {
	*service.BaseService

	cfg      CentralConfig
	store    store.AssetStore
	bus      eventbus.Bus
	local    *publishingStore
	clock    clock.Clock
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	mu          sync.RWMutex
	gateways    map[string]*gatewayEntry
	sessions    map[string]*connector.Connector
	descendants map[string]string
	tunnels     map[string]*activeTunnel
	unsubscribe []func() error
}

// NewService creates a stopped central service.
func NewService(cfg CentralConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		cfg:         cfg,
		store:       cfg.Store,
		bus:         cfg.Bus,
		local:       &publishingStore{store: cfg.Store, bus: cfg.Bus},
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("component", "gateway-service"),
		registry:    cfg.Registry,
		monitor:     health.NewMonitor(),
		gateways:    make(map[string]*gatewayEntry),
		sessions:    make(map[string]*connector.Connector),
		descendants: make(map[string]string),
		tunnels:     make(map[string]*activeTunnel),
	}
	s.BaseService = service.NewBaseService("gateway-service",
		service.WithLogger(s.logger),
		service.WithMetrics(cfg.Registry),
		service.WithClock(cfg.Clock),
	)
	return s, nil
}

// Start loads the registered gateways and subscribes to local asset and
// attribute changes.
func (s *Service) Start(ctx context.Context) error {
	if s.BaseService.Status() == service.StatusRunning {
		return errors.Wrap(errors.ErrAlreadyStarted, "Service", "Start", "start gateway service")
	}

	gateways, err := s.store.Find(ctx, &asset.Query{Types: []string{GatewayAssetType}})
	if err != nil {
		return errors.WrapTransient(err, "Service", "Start", "load gateway assets")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, a := range gateways {
		g.Go(func() error { return s.addGateway(gctx, a) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("Loaded gateways", "count", len(gateways))

	unsubAssets, err := s.bus.SubscribeAssets(ctx, "", s.onAssetEvent)
	if err != nil {
		return errors.WrapTransient(err, "Service", "Start", "subscribe asset events")
	}
	unsubAttributes, err := s.bus.SubscribeAttributes(ctx, "", s.onAttributeEvent)
	if err != nil {
		_ = unsubAssets()
		return errors.WrapTransient(err, "Service", "Start", "subscribe attribute events")
	}
	s.mu.Lock()
	s.unsubscribe = []func() error{unsubAssets, unsubAttributes}
	s.mu.Unlock()

	return s.BaseService.Start(ctx)
}

// Stop disconnects every gateway with TERMINATING, cancels tunnel timers and
// drops the bus subscriptions.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	connectors := s.connectorsLocked()
	for id, t := range s.tunnels {
		t.stopTimer()
		delete(s.tunnels, id)
	}
	s.gateways = make(map[string]*gatewayEntry)
	s.sessions = make(map[string]*connector.Connector)
	s.descendants = make(map[string]string)
	s.mu.Unlock()

	var errs error
	for _, fn := range unsubscribe {
		errs = multierr.Append(errs, fn())
	}
	for _, c := range connectors {
		c.Shutdown(protocol.ReasonTerminating)
		s.monitor.Remove(c.GatewayID())
	}
	s.recordGateways(0)
	return multierr.Append(errs, s.BaseService.Stop(timeout))
}

// Health reports the service health with one sub status per gateway.
func (s *Service) Health() health.Status {
	return s.BaseService.Health().WithSubStatus(s.monitor.AggregateHealth("gateways"))
}

func (s *Service) connectorsLocked() []*connector.Connector {
	out := make([]*connector.Connector, 0, len(s.gateways))
	for _, e := range s.gateways {
		out = append(out, e.connector)
	}
	return out
}

// Connector returns the connector of a gateway.
func (s *Service) Connector(gatewayID string) (*connector.Connector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.gateways[strings.ToLower(gatewayID)]
	if !ok {
		return nil, false
	}
	return e.connector, true
}

// Gateways lists the registered gateways ordered by id.
func (s *Service) Gateways() []GatewayInfo {
	s.mu.RLock()
	entries := make([]*gatewayEntry, 0, len(s.gateways))
	statuses := make([]connector.ConnectionStatus, 0, len(s.gateways))
	for _, e := range s.gateways {
		entries = append(entries, e)
		statuses = append(statuses, e.status)
	}
	s.mu.RUnlock()

	out := make([]GatewayInfo, 0, len(entries))
	for i, e := range entries {
		c := e.connector
		out = append(out, GatewayInfo{
			ID:                  c.GatewayID(),
			Realm:               c.Realm(),
			ClientID:            ClientID(c.GatewayID()),
			State:               c.State().String(),
			Status:              string(statuses[i]),
			Disabled:            c.Disabled(),
			TunnellingSupported: c.TunnellingSupported(),
			SessionID:           c.SessionID(),
		})
	}
	slices.SortFunc(out, func(a, b GatewayInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// LookupSecret resolves the secret of a gateway client id. It is the
// transport.SecretLookup of the central websocket endpoint.
func (s *Service) LookupSecret(clientID string) (string, bool) {
	id, ok := GatewayIDFromClientID(clientID)
	if !ok {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.gateways[id]
	if !ok || e.secret == "" {
		return "", false
	}
	return e.secret, true
}

// OnGatewayAsset applies a change to a gateway asset.
func (s *Service) OnGatewayAsset(ctx context.Context, ev *asset.AssetEvent) error {
	if ev == nil || ev.Asset == nil || ev.Asset.Type != GatewayAssetType {
		return errors.WrapInvalid(errors.ErrInvalidData, "Service", "OnGatewayAsset", "check gateway asset event")
	}

	switch ev.Cause {
	case asset.CauseCreate, asset.CauseUpdate, asset.CauseRead:
		if _, exists := s.Connector(ev.Asset.ID); !exists {
			return s.addGateway(ctx, ev.Asset)
		}
		s.updateGateway(ev.Asset)
		return nil
	case asset.CauseDelete:
		return s.removeGateway(ctx, ev.Asset.ID)
	}
	return nil
}

// addGateway creates the connector of a gateway asset, provisioning client
// credentials first when the asset has none.
func (s *Service) addGateway(ctx context.Context, a *asset.Asset) error {
	secret := stringValue(a, AttributeClientSecret)
	if secret == "" || stringValue(a, AttributeClientID) != ClientID(a.ID) {
		provisioned, err := s.provisionCredentials(ctx, a, secret)
		if err != nil {
			return err
		}
		secret = provisioned
	}

	c := connector.New(connector.Config{
		GatewayID:         a.ID,
		Realm:             a.Realm,
		Store:             s.local,
		Attributes:        localAttributes{s},
		Status:            gatewayStatus{s},
		Tunnels:           s,
		TunnelSSHHostname: s.cfg.TunnelSSHHostname,
		TunnelSSHPort:     s.cfg.TunnelSSHPort,
		Disabled:          boolValue(a, AttributeDisabled),
		Clock:             s.clock,
		Logger:            s.cfg.Logger,
		Registry:          s.registry,
	})

	descendants, err := s.store.Find(ctx, &asset.Query{ParentIDs: []string{a.ID}, Recursive: true, ExcludeAttributes: true})
	if err != nil {
		s.logger.Warn("Failed to load gateway descendants", "gateway", a.ID, "error", err)
	}

	s.mu.Lock()
	key := strings.ToLower(a.ID)
	if _, exists := s.gateways[key]; exists {
		s.mu.Unlock()
		c.Shutdown(protocol.ReasonTerminating)
		return nil
	}
	status := connector.StatusDisconnected
	if c.Disabled() {
		status = connector.StatusDisabled
	}
	s.gateways[key] = &gatewayEntry{connector: c, secret: secret, status: status}
	for _, d := range descendants {
		s.descendants[d.ID] = a.ID
	}
	count := len(s.gateways)
	s.mu.Unlock()

	s.monitor.Update(a.ID, health.FromConnectionStatus(a.ID, string(status)))
	s.recordGateways(count)
	s.logger.Info("Gateway registered", "gateway", a.ID, "realm", a.Realm, "disabled", c.Disabled())
	return nil
}

// provisionCredentials writes the client id and a secret onto the gateway
// asset and returns the secret.
func (s *Service) provisionCredentials(ctx context.Context, a *asset.Asset, secret string) (string, error) {
	if secret == "" {
		secret = uuid.NewString()
	}
	updated := a.Clone()
	updated.Version = 0
	updated.SetAttribute(&asset.Attribute{Name: AttributeClientID, Type: "text", Value: ClientID(a.ID)})
	updated.SetAttribute(&asset.Attribute{Name: AttributeClientSecret, Type: "text", Value: secret})
	if _, err := s.store.Merge(ctx, updated); err != nil {
		return "", errors.WrapTransient(err, "Service", "provisionCredentials", "merge gateway asset "+a.ID)
	}
	s.logger.Info("Provisioned gateway credentials", "gateway", a.ID, "client_id", ClientID(a.ID))
	return secret, nil
}

// updateGateway applies the secret and disabled flag of an edited asset.
func (s *Service) updateGateway(a *asset.Asset) {
	secret := stringValue(a, AttributeClientSecret)
	disabled := boolValue(a, AttributeDisabled)

	s.mu.Lock()
	e, ok := s.gateways[strings.ToLower(a.ID)]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := secret != "" && secret != e.secret
	if changed {
		e.secret = secret
	}
	c := e.connector
	s.mu.Unlock()

	if changed {
		s.logger.Info("Gateway secret changed, dropping session", "gateway", a.ID)
		c.Disconnect(c.SessionID())
	}
	c.SetDisabled(disabled)
}

// removeGateway disconnects a deleted gateway, closes its tunnels and deletes
// the assets mirrored from it.
func (s *Service) removeGateway(ctx context.Context, gatewayID string) error {
	s.mu.Lock()
	key := strings.ToLower(gatewayID)
	e, ok := s.gateways[key]
	if !ok {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrGatewayNotFound, "Service", "removeGateway", "find gateway "+gatewayID)
	}
	delete(s.gateways, key)
	s.dropTunnelsLocked(gatewayID)
	var mirrored []string
	for id, owner := range s.descendants {
		if strings.EqualFold(owner, gatewayID) {
			mirrored = append(mirrored, id)
		}
	}
	count := len(s.gateways)
	s.mu.Unlock()

	e.connector.Shutdown(protocol.ReasonDisabled)
	s.monitor.Remove(e.connector.GatewayID())
	s.recordGateways(count)
	s.logger.Info("Gateway removed", "gateway", gatewayID, "descendants", len(mirrored))

	if len(mirrored) == 0 {
		return nil
	}
	if _, err := s.local.Delete(ctx, mirrored...); err != nil {
		return errors.Wrap(err, "Service", "removeGateway", "delete gateway descendants")
	}
	return nil
}

func (s *Service) recordGateways(count int) {
	if s.registry != nil {
		s.registry.CoreMetrics().GatewaysRegistered.Set(float64(count))
	}
}

// onAssetEvent keeps gateways and the descendant index in step with local
// asset changes.
func (s *Service) onAssetEvent(ctx context.Context, ev *asset.AssetEvent) {
	if ev == nil || ev.Asset == nil {
		return
	}
	if ev.Asset.Type == GatewayAssetType {
		if err := s.OnGatewayAsset(ctx, ev); err != nil {
			s.logger.Warn("Failed to apply gateway asset change", "gateway", ev.Asset.ID, "cause", ev.Cause, "error", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := ev.Asset.ID
	if ev.Cause == asset.CauseDelete {
		delete(s.descendants, id)
		return
	}
	if owner, ok := s.ownerLocked(ev.Asset.ParentID); ok {
		s.descendants[id] = owner
		return
	}
	delete(s.descendants, id)
}

// ownerLocked returns the gateway that assetID is, or descends from.
func (s *Service) ownerLocked(assetID string) (string, bool) {
	if assetID == "" {
		return "", false
	}
	if e, ok := s.gateways[strings.ToLower(assetID)]; ok {
		return e.connector.GatewayID(), true
	}
	owner, ok := s.descendants[assetID]
	return owner, ok
}

// GatewayFor returns the gateway that mirrors assetID.
func (s *Service) GatewayFor(assetID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.descendants[assetID]
	return owner, ok
}

func (s *Service) ownerConnector(assetID string) (*connector.Connector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.descendants[assetID]
	if !ok {
		return nil, false
	}
	e, ok := s.gateways[strings.ToLower(owner)]
	if !ok {
		return nil, false
	}
	return e.connector, true
}

// onAttributeEvent forwards writes on mirrored assets to their gateway and
// applies edits to gateway assets. Events written on behalf of a gateway are
// ignored.
func (s *Service) onAttributeEvent(ctx context.Context, ev *asset.AttributeEvent) {
	if ev == nil || ev.Source == connector.SourceGatewayService {
		return
	}

	if c, ok := s.Connector(ev.Ref.ID); ok {
		s.onGatewayAttribute(ctx, c, ev)
		return
	}

	c, ok := s.ownerConnector(ev.Ref.ID)
	if !ok {
		return
	}
	if err := c.ForwardAttributeWrite(ctx, ev); err != nil {
		s.logger.Info("Dropping attribute write for gateway asset", "ref", ev.Ref.String(), "gateway", c.GatewayID(), "error", err)
	}
}

func (s *Service) onGatewayAttribute(ctx context.Context, c *connector.Connector, ev *asset.AttributeEvent) {
	switch ev.Ref.Name {
	case AttributeDisabled:
		c.SetDisabled(toBool(ev.Value))
	case AttributeClientSecret:
		secret, _ := ev.Value.(string)
		if secret == "" {
			generated, err := s.resetSecret(ctx, ev.Ref.ID)
			if err != nil {
				s.logger.Warn("Failed to reset gateway secret", "gateway", ev.Ref.ID, "error", err)
				return
			}
			secret = generated
		}
		s.mu.Lock()
		if e, ok := s.gateways[strings.ToLower(ev.Ref.ID)]; ok {
			e.secret = secret
		}
		s.mu.Unlock()
		s.logger.Info("Gateway secret changed, dropping session", "gateway", ev.Ref.ID)
		c.Disconnect(c.SessionID())
	}
}

// resetSecret stores a freshly generated secret on the gateway asset.
func (s *Service) resetSecret(ctx context.Context, gatewayID string) (string, error) {
	secret := uuid.NewString()
	_, err := s.store.UpdateAttribute(ctx, &asset.AttributeEvent{
		Ref:    asset.AttributeRef{ID: gatewayID, Name: AttributeClientSecret},
		Value:  secret,
		Source: connector.SourceGatewayService,
	})
	if err != nil {
		return "", errors.Wrap(err, "Service", "resetSecret", "update gateway secret")
	}
	return secret, nil
}

// WriteAttribute applies a central attribute write. Writes on assets
// mirrored from a gateway are sent to that gateway, which echoes the
// accepted value back. Everything else is stored and published locally.
func (s *Service) WriteAttribute(ctx context.Context, ev *asset.AttributeEvent) error {
	if ev == nil || ev.Ref.ID == "" || ev.Ref.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Service", "WriteAttribute", "check attribute ref")
	}
	if c, ok := s.ownerConnector(ev.Ref.ID); ok {
		return c.ForwardAttributeWrite(ctx, ev)
	}
	return s.local.WriteAttribute(ctx, ev)
}

// MergeAsset creates or updates an asset. Assets inside a gateway's
// hierarchy are merged on the gateway and the stored result is returned.
func (s *Service) MergeAsset(ctx context.Context, a *asset.Asset) (*asset.Asset, error) {
	if a == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Service", "MergeAsset", "check asset")
	}

	s.mu.RLock()
	owner, mirrored := s.ownerLocked(a.ParentID)
	if existing, ok := s.descendants[a.ID]; ok && a.ID != "" {
		owner, mirrored = existing, true
	}
	var c *connector.Connector
	if mirrored {
		if e, ok := s.gateways[strings.ToLower(owner)]; ok {
			c = e.connector
		}
	}
	s.mu.RUnlock()

	if c != nil {
		return c.ForwardAssetMerge(ctx, a)
	}
	return s.local.Merge(ctx, a)
}

func stringValue(a *asset.Asset, name string) string {
	attr, ok := a.Attribute(name)
	if !ok {
		return ""
	}
	v, _ := attr.Value.(string)
	return v
}

func boolValue(a *asset.Asset, name string) bool {
	attr, ok := a.Attribute(name)
	if !ok {
		return false
	}
	return toBool(attr.Value)
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}
