package eventbus

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/asset"
)

// loopConn routes publishes to subscribers in process, honouring single
// token wildcards.
type loopConn struct {
	mu   sync.Mutex
	subs map[string][]func(context.Context, []byte)
	sent []string
}

func newLoopConn() *loopConn {
	return &loopConn{subs: make(map[string][]func(context.Context, []byte))}
}

func (c *loopConn) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, subject)
	var handlers []func(context.Context, []byte)
	for pattern, hs := range c.subs {
		if subjectMatches(pattern, subject) {
			handlers = append(handlers, hs...)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(ctx, data)
	}
	return nil
}

func (c *loopConn) Subscribe(_ context.Context, subject string, handler func(context.Context, []byte)) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subject] = append(c.subs[subject], handler)
	return func() error { return nil }, nil
}

func subjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	if len(p) != len(s) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != s[i] {
			return false
		}
	}
	return true
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "federation.master.asset", Subject("master", "asset"))
	assert.Equal(t, "federation.*.attribute", Subject("", "attribute"))
	assert.Equal(t, "federation.my_realm_x.status", Subject("my.realm*x", "status"))
}

func TestNATSBus_RoundTrip(t *testing.T) {
	conn := newLoopConn()
	bus := NewNATSBus(conn, nil)
	ctx := context.Background()

	var attrs []*asset.AttributeEvent
	_, err := bus.SubscribeAttributes(ctx, "", func(_ context.Context, ev *asset.AttributeEvent) {
		attrs = append(attrs, ev)
	})
	require.NoError(t, err)

	var assets []*asset.AssetEvent
	_, err = bus.SubscribeAssets(ctx, "master", func(_ context.Context, ev *asset.AssetEvent) {
		assets = append(assets, ev)
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishAttribute(ctx, &asset.AttributeEvent{
		Ref: asset.AttributeRef{ID: "a1", Name: "temp"}, Value: 21.5, Realm: "master", Source: "sensor",
	}))
	require.NoError(t, bus.PublishAsset(ctx, &asset.AssetEvent{Cause: asset.CauseUpdate, Asset: &asset.Asset{ID: "a1", Realm: "other"}}))
	require.NoError(t, bus.PublishAsset(ctx, &asset.AssetEvent{Cause: asset.CauseCreate, Asset: &asset.Asset{ID: "a2", Realm: "master"}}))

	require.Len(t, attrs, 1)
	assert.Equal(t, 21.5, attrs[0].Value)
	assert.Equal(t, "sensor", attrs[0].Source)

	require.Len(t, assets, 1)
	assert.Equal(t, "a2", assets[0].AssetID())
	assert.Equal(t, []string{"federation.master.attribute", "federation.other.asset", "federation.master.asset"}, conn.sent)
}

func TestNATSBus_DropsUndecodable(t *testing.T) {
	conn := newLoopConn()
	bus := NewNATSBus(conn, nil)
	ctx := context.Background()

	called := false
	_, err := bus.SubscribeStatus(ctx, "r", func(context.Context, ConnectionStatus) { called = true })
	require.NoError(t, err)

	require.NoError(t, conn.Publish(ctx, "federation.r.status", []byte("{not json")))
	assert.False(t, called)
}
