package edge

import (
	"context"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/protocol"
	"github.com/openremote/openremote-sub007/tunnel"
)

// onMessage dispatches one message from the central instance. It runs on the
// transport read goroutine, so slow work is moved off it.
func (c *ClientConnector) onMessage(raw string) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Warn("Discarding undecodable message", "error", err)
		return
	}
	ctx := c.runContext()

	switch ev := msg.Event.(type) {
	case *protocol.CapabilitiesRequest:
		c.onCapabilitiesRequest(msg.ID, ev)
	case *protocol.Initialised:
		c.logger.Info("Central instance initialised", "active_tunnels", len(ev.ActiveTunnels))
		go c.reconcileTunnels(ctx, ev.ActiveTunnels)
	case *protocol.DisconnectNotice:
		c.logger.Info("Central instance is closing the connection", "reason", ev.Reason)
	case *protocol.ReadAssets:
		c.onReadAssets(ctx, msg.ID, ev.Query)
	case *protocol.ReadAsset:
		c.onReadAsset(ctx, msg.ID, ev.AssetID)
	case *protocol.AssetEvent:
		c.onAssetEvent(ctx, &ev.AssetEvent)
	case *protocol.AttributeEvent:
		c.onAttributeEvent(ctx, &ev.AttributeEvent)
	case *protocol.TunnelStartRequest:
		go c.onTunnelStart(ctx, msg.ID, ev)
	case *protocol.TunnelStopRequest:
		c.reply(msg.ID, &protocol.TunnelStopResponse{Error: protocol.ErrorString(c.StopTunnel(ev.Info))})
	case *protocol.CapabilitiesResponse, *protocol.Assets,
		*protocol.TunnelStartResponse, *protocol.TunnelStopResponse:
		c.logger.Debug("Ignoring central bound message", "kind", ev.Kind())
	default:
		c.logger.Warn("Unsupported message", "kind", msg.Event.Kind())
	}
}

func (c *ClientConnector) onCapabilitiesRequest(id string, req *protocol.CapabilitiesRequest) {
	c.mu.Lock()
	c.centralVersion = req.Version
	if req.TunnelHostname != "" && req.TunnelPort > 0 {
		c.server = tunnel.Endpoint{Host: req.TunnelHostname, Port: req.TunnelPort}
	}
	c.mu.Unlock()

	if req.IsLegacy() {
		// Legacy peers never send a tunnel list.
		c.logger.Info("Central instance predates the initialised notification")
		if err := c.stopAllTunnels(); err != nil {
			c.logger.Warn("Failed to stop tunnels", "error", err)
		}
	}
	c.reply(id, &protocol.CapabilitiesResponse{TunnellingSupported: c.factory != nil})
}

// onReadAssets answers a query, always scoped to the local realm.
func (c *ClientConnector) onReadAssets(ctx context.Context, id string, q *asset.Query) {
	query := asset.Query{}
	if q != nil {
		query = *q
	}
	query.Realm = c.conn.LocalRealm

	found, err := c.store.Find(ctx, &query)
	if err != nil {
		c.logger.Warn("Failed to read assets for central instance", "request", id, "error", err)
		return
	}
	out := make([]*asset.Asset, 0, len(found))
	for _, a := range found {
		a = a.Clone()
		c.rules.ApplyAsset(a)
		out = append(out, a)
	}
	c.reply(id, &protocol.Assets{Assets: out})
}

func (c *ClientConnector) onReadAsset(ctx context.Context, id, assetID string) {
	a, err := c.store.Get(ctx, assetID)
	if err != nil || a.Realm != c.conn.LocalRealm {
		c.logger.Debug("Central instance read an unknown asset", "asset_id", assetID, "error", err)
		return
	}
	a = a.Clone()
	c.rules.ApplyAsset(a)
	c.reply(id, protocol.NewAssetEvent(asset.CauseRead, a))
}

// onAssetEvent applies a central edit. The stored result is published
// locally, which forwards it back so the central side sees the outcome.
func (c *ClientConnector) onAssetEvent(ctx context.Context, ev *asset.AssetEvent) {
	if ev.Asset == nil {
		return
	}
	switch ev.Cause {
	case asset.CauseCreate, asset.CauseUpdate:
	default:
		c.logger.Debug("Ignoring central asset event", "cause", ev.Cause, "asset_id", ev.AssetID())
		return
	}

	a := ev.Asset.Clone()
	a.Realm = c.conn.LocalRealm
	a.Version = 0
	saved, err := c.store.Merge(ctx, a)
	if err != nil {
		c.logger.Warn("Failed to merge asset from central instance", "asset_id", a.ID, "error", err)
		return
	}
	if err := c.bus.PublishAsset(ctx, &asset.AssetEvent{Cause: ev.Cause, Asset: saved}); err != nil {
		c.logger.Warn("Failed to publish merged asset", "asset_id", a.ID, "error", err)
	}
}

// onAttributeEvent applies a central attribute write locally.
func (c *ClientConnector) onAttributeEvent(ctx context.Context, ev *asset.AttributeEvent) {
	write := ev.Clone()
	write.Realm = c.conn.LocalRealm
	write.Source = SourceGatewayClient

	updated, err := c.store.UpdateAttribute(ctx, write)
	if err != nil {
		c.logger.Warn("Failed to apply attribute from central instance", "attribute", ev.Ref.String(), "error", err)
		return
	}
	updated.Source = SourceGatewayClient
	if err := c.bus.PublishAttribute(ctx, updated); err != nil {
		c.logger.Warn("Failed to publish attribute", "attribute", ev.Ref.String(), "error", err)
	}
}

func (c *ClientConnector) onTunnelStart(ctx context.Context, id string, req *protocol.TunnelStartRequest) {
	server := c.tunnelServer()
	if server.Host == "" || server.Port <= 0 {
		server = tunnel.Endpoint{Host: req.SSHHostname, Port: req.SSHPort}
	}
	err := c.startTunnel(ctx, server, req.Info)
	if err != nil {
		c.logger.Warn("Failed to start tunnel", "tunnel", req.Info.String(), "error", err)
	}
	c.reply(id, &protocol.TunnelStartResponse{Error: protocol.ErrorString(err)})
}
