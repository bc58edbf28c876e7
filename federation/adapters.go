package federation

import (
	"context"
	"strings"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/connector"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/eventbus"
	"github.com/openremote/openremote-sub007/health"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/protocol"
	"github.com/openremote/openremote-sub007/store"
	"github.com/openremote/openremote-sub007/transport"
)

// publishingStore writes to the asset store and announces every change on
// the bus, the way local edits are announced.
type publishingStore struct {
	store store.AssetStore
	bus   eventbus.Bus
}

func (p *publishingStore) Find(ctx context.Context, q *asset.Query) ([]*asset.Asset, error) {
	return p.store.Find(ctx, q)
}

// Merge publishes CREATE for a first version and UPDATE otherwise.
func (p *publishingStore) Merge(ctx context.Context, a *asset.Asset) (*asset.Asset, error) {
	saved, err := p.store.Merge(ctx, a)
	if err != nil {
		return nil, err
	}
	cause := asset.CauseUpdate
	if saved.Version == 1 {
		cause = asset.CauseCreate
	}
	if err := p.bus.PublishAsset(ctx, &asset.AssetEvent{Cause: cause, Asset: saved.Clone()}); err != nil {
		return saved, errors.WrapTransient(err, "publishingStore", "Merge", "publish asset "+saved.ID)
	}
	return saved, nil
}

// Delete publishes DELETE for every asset actually removed.
func (p *publishingStore) Delete(ctx context.Context, ids ...string) ([]string, error) {
	existing, err := p.store.Find(ctx, &asset.Query{IDs: ids, ExcludeAttributes: true})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*asset.Asset, len(existing))
	for _, a := range existing {
		byID[a.ID] = a
	}

	removed, err := p.store.Delete(ctx, ids...)
	if err != nil {
		return removed, err
	}
	for _, id := range removed {
		a, ok := byID[id]
		if !ok {
			a = &asset.Asset{ID: id}
		}
		if err := p.bus.PublishAsset(ctx, &asset.AssetEvent{Cause: asset.CauseDelete, Asset: a}); err != nil {
			return removed, errors.WrapTransient(err, "publishingStore", "Delete", "publish delete of "+id)
		}
	}
	return removed, nil
}

// WriteAttribute stores the value and publishes the enriched event.
func (p *publishingStore) WriteAttribute(ctx context.Context, ev *asset.AttributeEvent) error {
	updated, err := p.store.UpdateAttribute(ctx, ev)
	if err != nil {
		return err
	}
	if err := p.bus.PublishAttribute(ctx, updated); err != nil {
		return errors.WrapTransient(err, "publishingStore", "WriteAttribute", "publish "+ev.Ref.String())
	}
	return nil
}

// localAttributes applies gateway reported attribute values locally. It
// never routes back to a gateway.
type localAttributes struct {
	s *Service
}

func (l localAttributes) WriteAttribute(ctx context.Context, ev *asset.AttributeEvent) error {
	return l.s.local.WriteAttribute(ctx, ev)
}

// gatewayStatus fans a connector's status out to health, metrics, the bus
// and the gateway asset's status attribute.
type gatewayStatus struct {
	s *Service
}

func (g gatewayStatus) PublishStatus(gatewayID string, status connector.ConnectionStatus) {
	s := g.s
	s.mu.Lock()
	e, ok := s.gateways[strings.ToLower(gatewayID)]
	if ok {
		e.status = status
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	realm := e.connector.Realm()
	s.monitor.Update(gatewayID, health.FromConnectionStatus(gatewayID, string(status)))
	if s.registry != nil {
		s.registry.CoreMetrics().RecordConnectionStatus("central", gatewayID, string(status))
	}

	ctx := context.Background()
	err := s.bus.PublishStatus(ctx, eventbus.ConnectionStatus{
		Realm:     realm,
		GatewayID: gatewayID,
		Status:    string(status),
		Timestamp: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("Failed to publish gateway status", "gateway", gatewayID, "error", err)
	}

	err = s.local.WriteAttribute(ctx, &asset.AttributeEvent{
		Ref:       asset.AttributeRef{ID: gatewayID, Name: AttributeStatus},
		Value:     string(status),
		Timestamp: s.clock.Now().UnixMilli(),
		Source:    connector.SourceGatewayService,
	})
	if err != nil {
		s.logger.Debug("Failed to write gateway status attribute", "gateway", gatewayID, "error", err)
	}
}

// sessionSender encodes messages onto a transport session.
type sessionSender struct {
	session *transport.Session
	metrics *metric.Metrics
}

func (ss sessionSender) Send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := ss.session.Send(raw); err != nil {
		return err
	}
	if ss.metrics != nil {
		ss.metrics.MessagesSent.WithLabelValues("central", string(msg.Event.Kind())).Inc()
	}
	return nil
}
