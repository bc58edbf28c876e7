package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/config"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/eventbus"
	"github.com/openremote/openremote-sub007/federation"
	gatewayhttp "github.com/openremote/openremote-sub007/gateway/http"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/natsclient"
	"github.com/openremote/openremote-sub007/pkg/tlsutil"
	"github.com/openremote/openremote-sub007/service"
	"github.com/openremote/openremote-sub007/store"
	"github.com/openremote/openremote-sub007/transport"
	"github.com/openremote/openremote-sub007/tunnel"
)

const (
	natsConnectTimeout  = 10 * time.Second
	tokenRequestTimeout = 30 * time.Second
)

// app holds the services of one process and the infrastructure they share.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry

	nats        *natsclient.Client
	bus         eventbus.Bus
	assets      store.AssetStore
	connections store.ConnectionStore

	central    *federation.Service
	client     *federation.ClientService
	events     *transport.Server
	httpServer *gatewayhttp.Server
	manager    *service.Manager
}

// newApp connects infrastructure and creates the enabled services. Nothing
// is started; the manager starts the services in registration order.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		manager: service.NewManager(logger),
	}

	if err := a.setupInfrastructure(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.setupServices(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// setupInfrastructure connects NATS when enabled and creates the bus and
// stores on top of it.
func (a *app) setupInfrastructure(ctx context.Context) error {
	if a.cfg.NATS.Enabled {
		nc, err := connectToNATS(ctx, a.cfg.NATS, a.metrics, a.logger)
		if err != nil {
			return err
		}
		a.nats = nc
		a.bus = eventbus.NewNATSBus(nc, a.logger)
	} else {
		a.bus = eventbus.NewMemoryBus()
	}

	switch a.cfg.Storage.Backend {
	case config.StorageBackendKV:
		assets, err := a.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      a.cfg.Storage.AssetBucket,
			Description: "gateway federation assets",
			History:     1,
		})
		if err != nil {
			return fmt.Errorf("create asset bucket: %w", err)
		}
		conns, err := a.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      a.cfg.Storage.ConnectionBucket,
			Description: "edge gateway connections",
			History:     1,
		})
		if err != nil {
			return fmt.Errorf("create connection bucket: %w", err)
		}
		a.assets = store.NewKVAssetStore(a.nats.NewKVStore(assets), nil)
		a.connections = store.NewKVConnectionStore(a.nats.NewKVStore(conns))
	default:
		a.assets = store.NewMemoryAssetStore(nil)
		a.connections = store.NewMemoryConnectionStore()
	}

	a.logger.Info("Infrastructure ready",
		"nats", a.cfg.NATS.Enabled,
		"storage", a.cfg.Storage.Backend)
	return nil
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func connectToNATS(ctx context.Context, cfg config.NATSConfig, registry *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithLogger(natsclient.SlogLogger{Logger: logger.With("component", "nats")}),
		natsclient.WithMetrics(registry),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(time.Duration(cfg.ReconnectWait)))
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}

	nc, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.URLs)
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nc, nil
}

// setupServices creates the central, edge and HTTP services and registers
// them with the manager.
func (a *app) setupServices(ctx context.Context) error {
	serverTLS, err := tlsutil.LoadServerTLSConfig(a.cfg.HTTP.TLS)
	if err != nil {
		return fmt.Errorf("load http tls: %w", err)
	}
	httpCfg := gatewayhttp.Config{
		ListenAddress:  a.cfg.HTTP.ListenAddress,
		MaxRequestSize: a.cfg.HTTP.MaxRequestSize,
		TLS:            serverTLS,
		Identity:       gatewayhttp.NewTokenResolver(adminTokens(a.cfg.HTTP.AdminTokens)),
		Health:         a.manager,
		Registry:       a.metrics,
		Logger:         a.logger,
	}

	if a.cfg.Central.Enabled {
		if err := seedGateways(ctx, a.assets, a.cfg.Central.Gateways, a.logger); err != nil {
			return err
		}

		central, err := federation.NewService(federation.CentralConfig{
			Store:             a.assets,
			Bus:               a.bus,
			TunnelSSHHostname: a.cfg.Central.TunnelSSHHostname,
			TunnelSSHPort:     a.cfg.Central.TunnelSSHPort,
			TunnelHostname:    a.cfg.Central.TunnelHostname,
			TunnelTCPStart:    a.cfg.Central.TunnelTCPStart,
			TunnelAutoClose:   a.cfg.Central.TunnelAutoClose(),
			Logger:            a.logger,
			Registry:          a.metrics,
		})
		if err != nil {
			return fmt.Errorf("create gateway service: %w", err)
		}
		if err := a.manager.Add(central); err != nil {
			return err
		}
		a.central = central

		issuer := transport.NewTokenIssuer(central.LookupSecret, time.Duration(a.cfg.Central.TokenTTL), nil)
		a.events = transport.NewServer(issuer, central, a.metrics, a.logger)
		httpCfg.Tunnels = central
		httpCfg.Events = a.events
		httpCfg.Tokens = issuer
	}

	if a.cfg.Edge.Enabled {
		if err := seedConnections(ctx, a.connections, a.cfg.Edge, a.logger); err != nil {
			return err
		}

		clientCfg := federation.ClientConfig{
			Connections: a.connections,
			Store:       a.assets,
			Bus:         a.bus,
			Logger:      a.logger,
			Registry:    a.metrics,
		}
		if !a.cfg.Edge.TLS.IsZero() {
			clientTLS, err := tlsutil.LoadClientTLSConfig(a.cfg.Edge.TLS)
			if err != nil {
				return fmt.Errorf("load edge tls: %w", err)
			}
			httpTransport := http.DefaultTransport.(*http.Transport).Clone()
			httpTransport.TLSClientConfig = clientTLS
			clientCfg.HTTPClient = &http.Client{Transport: httpTransport, Timeout: tokenRequestTimeout}
			dialer := *websocket.DefaultDialer
			dialer.TLSClientConfig = clientTLS
			clientCfg.Dialer = &dialer
		}
		if a.cfg.Edge.TunnellingAvailable() {
			factory, err := tunnel.NewSSHFactory(tunnel.SSHConfig{
				KeyFile:          a.cfg.Edge.SSHKeyFile,
				KnownHostsFile:   a.cfg.Edge.KnownHostsFile,
				LocalhostRewrite: a.cfg.Edge.LocalhostRewrite,
			}, a.metrics, a.logger)
			if err != nil {
				return fmt.Errorf("create tunnel factory: %w", err)
			}
			clientCfg.Tunnels = factory
		} else {
			a.logger.Warn("Tunnel SSH key file not available, tunnelling disabled",
				"env", config.EnvTunnelSSHKeyFile,
				"path", a.cfg.Edge.SSHKeyFile)
		}

		client, err := federation.NewClientService(clientCfg)
		if err != nil {
			return fmt.Errorf("create gateway client service: %w", err)
		}
		if err := a.manager.Add(client); err != nil {
			return err
		}
		a.client = client
		httpCfg.Connections = client
	}

	httpServer, err := gatewayhttp.NewServer(httpCfg)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}
	if err := a.manager.Add(httpServer); err != nil {
		return err
	}
	a.httpServer = httpServer
	return nil
}

// close releases infrastructure not owned by a managed service.
func (a *app) close(ctx context.Context) {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("Failed to close event sessions", "error", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("Failed to close NATS connection", "error", err)
		}
	}
}

func adminTokens(tokens []config.AdminToken) []gatewayhttp.AdminToken {
	out := make([]gatewayhttp.AdminToken, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, gatewayhttp.AdminToken{
			Token: t.Token,
			Identity: gatewayhttp.Identity{
				Subject:   t.Subject,
				Realm:     t.Realm,
				SuperUser: t.SuperUser,
			},
		})
	}
	return out
}

// seedGateways creates the configured gateway assets that do not exist yet.
// Existing assets are left alone so edits made at runtime survive restarts.
func seedGateways(ctx context.Context, assets store.AssetStore, seeds []config.GatewaySeed, logger *slog.Logger) error {
	for _, seed := range seeds {
		_, err := assets.Get(ctx, seed.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, errors.ErrAssetNotFound) {
			return fmt.Errorf("load gateway %s: %w", seed.ID, err)
		}

		name := seed.Name
		if name == "" {
			name = seed.ID
		}
		a := &asset.Asset{ID: seed.ID, Name: name, Type: federation.GatewayAssetType, Realm: seed.Realm}
		if seed.Secret != "" {
			a.SetAttribute(&asset.Attribute{Name: federation.AttributeClientID, Type: "text", Value: federation.ClientID(seed.ID)})
			a.SetAttribute(&asset.Attribute{Name: federation.AttributeClientSecret, Type: "text", Value: seed.Secret})
		}
		a.SetAttribute(&asset.Attribute{Name: federation.AttributeDisabled, Type: "boolean", Value: seed.Disabled})
		if _, err := assets.Merge(ctx, a); err != nil {
			return fmt.Errorf("seed gateway %s: %w", seed.ID, err)
		}
		logger.Info("Seeded gateway asset", "gateway", seed.ID, "realm", seed.Realm)
	}
	return nil
}

// seedConnections stores the configured edge connections for realms that
// have no stored connection yet.
func seedConnections(ctx context.Context, conns store.ConnectionStore, edge config.EdgeConfig, logger *slog.Logger) error {
	for i := range edge.Connections {
		conn := edge.Connections[i]
		_, err := conns.Get(ctx, conn.LocalRealm)
		if err == nil {
			continue
		}
		if !errors.Is(err, errors.ErrGatewayNotFound) {
			return fmt.Errorf("load connection %s: %w", conn.LocalRealm, err)
		}
		if err := conns.Put(ctx, &conn); err != nil {
			return fmt.Errorf("seed connection %s: %w", conn.LocalRealm, err)
		}
		logger.Info("Seeded gateway connection", "realm", conn.LocalRealm, "host", conn.Host)
	}
	return nil
}
