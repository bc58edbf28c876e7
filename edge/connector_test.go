package edge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/eventbus"
	"github.com/openremote/openremote-sub007/protocol"
	"github.com/openremote/openremote-sub007/store"
	"github.com/openremote/openremote-sub007/transport"
	"github.com/openremote/openremote-sub007/tunnel"
	"github.com/openremote/openremote-sub007/types"
)

const localRealm = "site"

type recordingLink struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (l *recordingLink) Send(raw string) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
	return nil
}

func (l *recordingLink) ofKind(kind protocol.Kind) []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []protocol.Message
	for _, m := range l.msgs {
		if m.Event.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

func (l *recordingLink) last(t *testing.T, kind protocol.Kind) protocol.Message {
	t.Helper()
	msgs := l.ofKind(kind)
	require.NotEmpty(t, msgs, "no %s message sent", kind)
	return msgs[len(msgs)-1]
}

type fakeFactory struct {
	mu      sync.Mutex
	started []tunnel.Info
	servers []tunnel.Endpoint
	fail    error
}

func (f *fakeFactory) Start(_ context.Context, server tunnel.Endpoint, info tunnel.Info) (*tunnel.Session, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.started = append(f.started, info)
	f.servers = append(f.servers, server)
	fail := f.fail
	f.mu.Unlock()

	s := tunnel.NewSession(server, info)
	if fail != nil {
		s.MarkFailed(fail)
	} else {
		s.MarkConnected()
	}
	return s, nil
}

func (f *fakeFactory) Stop(tunnel.Info) error { return nil }
func (f *fakeFactory) StopAllInRealm(string) error { return nil }
func (f *fakeFactory) StopAll() error { return nil }

func (f *fakeFactory) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.started))
	for _, info := range f.started {
		ids = append(ids, info.ID)
	}
	return ids
}

type harness struct {
	c       *ClientConnector
	link    *recordingLink
	store   *store.MemoryAssetStore
	bus     *eventbus.MemoryBus
	clock   *clock.Mock
	factory *fakeFactory
}

func testConnection() types.GatewayConnection {
	return types.GatewayConnection{
		LocalRealm:   localRealm,
		Realm:        "master",
		Host:         "central.example.com",
		Port:         8080,
		ClientID:     "gateway-gw1",
		ClientSecret: "secret",
		AssetSyncRules: map[string]types.AssetSyncRule{
			"ThingAsset": {ExcludeAttributes: []string{"notes"}},
		},
	}
}

func newHarness(t *testing.T, withTunnels bool) *harness {
	t.Helper()
	mock := clock.NewMock()
	h := &harness{
		link:  &recordingLink{},
		store: store.NewMemoryAssetStore(mock),
		bus:   eventbus.NewMemoryBus(),
		clock: mock,
	}
	cfg := Config{
		Connection: testConnection(),
		Store:      h.store,
		Bus:        h.bus,
		Clock:      mock,
	}
	if withTunnels {
		h.factory = &fakeFactory{}
		cfg.Tunnels = h.factory
	}
	c, err := New(cfg)
	require.NoError(t, err)
	c.link = h.link
	h.c = c
	return h
}

// subscribe wires the local bus the way Start does, without dialling.
func (h *harness) subscribe(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	unsubAssets, err := h.bus.SubscribeAssets(ctx, localRealm, h.c.onLocalAsset)
	require.NoError(t, err)
	unsubAttributes, err := h.bus.SubscribeAttributes(ctx, localRealm, h.c.onLocalAttribute)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unsubAssets()
		_ = unsubAttributes()
	})
}

func (h *harness) receive(t *testing.T, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	h.c.onMessage(raw)
}

func (h *harness) seed(t *testing.T, assets ...*asset.Asset) {
	t.Helper()
	for _, a := range assets {
		_, err := h.store.Merge(context.Background(), a)
		require.NoError(t, err)
	}
}

func thing(id, realm string) *asset.Asset {
	a := &asset.Asset{ID: id, Name: id, Type: "ThingAsset", Realm: realm}
	a.SetAttribute(&asset.Attribute{Name: "temperature", Value: 20.0})
	a.SetAttribute(&asset.Attribute{Name: "notes", Value: "private"})
	return a
}

func tcpTunnel(id string, port int) tunnel.Info {
	return tunnel.Info{
		ID:           id,
		Realm:        localRealm,
		GatewayID:    "gw1",
		Type:         tunnel.TypeTCP,
		Target:       "localhost",
		TargetPort:   8080,
		AssignedPort: port,
	}
}

func TestNew_RejectsInvalidConnection(t *testing.T) {
	conn := testConnection()
	conn.Host = ""
	_, err := New(Config{Connection: conn, Store: store.NewMemoryAssetStore(clock.NewMock()), Bus: eventbus.NewMemoryBus()})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestHandshake_Observe(t *testing.T) {
	hs := NewHandshake()
	assert.Equal(t, ReadinessWindow, hs.Window())

	encode := func(ev protocol.Event) string {
		raw, err := protocol.Encode(protocol.Message{ID: "m1", Event: ev})
		require.NoError(t, err)
		return raw
	}

	ready, err := hs.Observe(encode(&protocol.ReadAssets{Query: &asset.Query{Recursive: true}}))
	assert.False(t, ready)
	assert.NoError(t, err)

	ready, err = hs.Observe("not a message")
	assert.False(t, ready)
	assert.NoError(t, err)

	ready, err = hs.Observe(encode(&protocol.CapabilitiesRequest{Version: protocol.Version}))
	assert.True(t, ready)
	assert.NoError(t, err)

	ready, err = hs.Observe(encode(&protocol.DisconnectNotice{Reason: protocol.ReasonDisabled}))
	assert.False(t, ready)
	require.Error(t, err)
	assert.Equal(t, "DISABLED", errors.Reason(err))
}

func TestCapabilities_ReportsTunnelSupport(t *testing.T) {
	for _, withTunnels := range []bool{true, false} {
		h := newHarness(t, withTunnels)
		h.receive(t, protocol.Message{ID: "probe-1", Event: &protocol.CapabilitiesRequest{
			Version:        protocol.Version,
			TunnelHostname: "tunnel.example.com",
			TunnelPort:     2222,
		}})

		reply := h.link.last(t, protocol.KindCapabilitiesResponse)
		assert.Equal(t, "probe-1", reply.ID)
		assert.Equal(t, withTunnels, reply.Event.(*protocol.CapabilitiesResponse).TunnellingSupported)
		assert.Equal(t, protocol.Version, h.c.CentralVersion())
		assert.Equal(t, tunnel.Endpoint{Host: "tunnel.example.com", Port: 2222}, h.c.tunnelServer())
	}
}

func TestCapabilities_LegacyPeerStopsTunnels(t *testing.T) {
	h := newHarness(t, true)
	h.receive(t, protocol.Message{ID: "p", Event: &protocol.CapabilitiesRequest{Version: "1.1", TunnelHostname: "tunnel", TunnelPort: 22}})
	require.NoError(t, h.c.StartTunnel(context.Background(), tcpTunnel("t1", 9000)))
	require.Len(t, h.c.Tunnels(), 1)

	h.receive(t, protocol.Message{ID: "legacy", Event: &protocol.CapabilitiesRequest{}})
	assert.Empty(t, h.c.Tunnels())
	assert.Equal(t, "legacy", h.link.last(t, protocol.KindCapabilitiesResponse).ID)
}

func TestReadAssets_ScopedToLocalRealm(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, thing("a1", localRealm), thing("a2", localRealm), thing("b1", "other"))

	h.receive(t, protocol.Message{ID: "INITIAL", Event: &protocol.ReadAssets{
		Query: &asset.Query{Realm: "other", Recursive: true},
	}})

	reply := h.link.last(t, protocol.KindAssets)
	assert.Equal(t, "INITIAL", reply.ID)
	assets := reply.Event.(*protocol.Assets).Assets
	require.Len(t, assets, 2)
	for _, a := range assets {
		assert.Equal(t, localRealm, a.Realm)
		_, hasNotes := a.Attribute("notes")
		assert.False(t, hasNotes, "sync rule strips excluded attributes")
		_, hasTemp := a.Attribute("temperature")
		assert.True(t, hasTemp)
	}

	stored, err := h.store.Get(context.Background(), "a1")
	require.NoError(t, err)
	_, hasNotes := stored.Attribute("notes")
	assert.True(t, hasNotes, "stored asset is untouched")
}

func TestReadAssets_BatchByIDs(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, thing("a1", localRealm), thing("a2", localRealm), thing("a3", localRealm))

	h.receive(t, protocol.Message{ID: "BATCH0", Event: &protocol.ReadAssets{Query: &asset.Query{IDs: []string{"a1", "a3"}}}})

	reply := h.link.last(t, protocol.KindAssets)
	assert.Equal(t, "BATCH0", reply.ID)
	var ids []string
	for _, a := range reply.Event.(*protocol.Assets).Assets {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"a1", "a3"}, ids)
}

func TestReadAsset_RepliesWithRead(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, thing("a1", localRealm), thing("b1", "other"))

	h.receive(t, protocol.Message{Event: &protocol.ReadAsset{AssetID: "a1"}})
	ev := h.link.last(t, protocol.KindAsset).Event.(*protocol.AssetEvent)
	assert.Equal(t, asset.CauseRead, ev.Cause)
	assert.Equal(t, "a1", ev.Asset.ID)

	h.receive(t, protocol.Message{Event: &protocol.ReadAsset{AssetID: "b1"}})
	h.receive(t, protocol.Message{Event: &protocol.ReadAsset{AssetID: "missing"}})
	assert.Len(t, h.link.ofKind(protocol.KindAsset), 1, "assets outside the realm are not served")
}

func TestAssetEvent_MergedAndEchoed(t *testing.T) {
	h := newHarness(t, false)
	h.subscribe(t)

	created := &asset.Asset{ID: "new1", Name: "Pump", Type: "ThingAsset", Realm: "master", Version: 7}
	h.receive(t, protocol.Message{Event: protocol.NewAssetEvent(asset.CauseCreate, created)})

	stored, err := h.store.Get(context.Background(), "new1")
	require.NoError(t, err)
	assert.Equal(t, localRealm, stored.Realm)
	assert.Equal(t, int64(1), stored.Version)

	echo := h.link.last(t, protocol.KindAsset).Event.(*protocol.AssetEvent)
	assert.Equal(t, asset.CauseCreate, echo.Cause)
	assert.Equal(t, "new1", echo.Asset.ID)

	h.receive(t, protocol.Message{Event: protocol.NewAssetEvent(asset.CauseDelete, stored)})
	_, err = h.store.Get(context.Background(), "new1")
	assert.NoError(t, err, "central deletes are not applied")
}

func TestAttributeEvent_AppliedAndForwardedBack(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t, thing("a1", localRealm))
	h.subscribe(t)

	h.receive(t, protocol.Message{Event: protocol.NewAttributeEvent(&asset.AttributeEvent{
		Ref:   asset.AttributeRef{ID: "a1", Name: "temperature"},
		Value: 23.5,
		Realm: "master",
	})})

	stored, err := h.store.Get(context.Background(), "a1")
	require.NoError(t, err)
	attr, ok := stored.Attribute("temperature")
	require.True(t, ok)
	assert.Equal(t, 23.5, attr.Value)

	echo := h.link.last(t, protocol.KindAttribute).Event.(*protocol.AttributeEvent)
	assert.Equal(t, 23.5, echo.Value)
	assert.Equal(t, 20.0, echo.OldValue)
	assert.Equal(t, localRealm, echo.Realm)
}

func TestLocalChanges_ForwardedWithRulesApplied(t *testing.T) {
	h := newHarness(t, false)
	h.subscribe(t)
	ctx := context.Background()

	require.NoError(t, h.bus.PublishAsset(ctx, &asset.AssetEvent{Cause: asset.CauseUpdate, Asset: thing("a1", localRealm)}))
	ev := h.link.last(t, protocol.KindAsset).Event.(*protocol.AssetEvent)
	_, hasNotes := ev.Asset.Attribute("notes")
	assert.False(t, hasNotes)

	require.NoError(t, h.bus.PublishAttribute(ctx, &asset.AttributeEvent{
		Ref: asset.AttributeRef{ID: "a1", Name: "notes"}, Value: "x", Realm: localRealm, AssetType: "ThingAsset",
	}))
	require.NoError(t, h.bus.PublishAttribute(ctx, &asset.AttributeEvent{
		Ref: asset.AttributeRef{ID: "a1", Name: "temperature"}, Value: 21.0, Realm: localRealm, AssetType: "ThingAsset",
	}))

	attrs := h.link.ofKind(protocol.KindAttribute)
	require.Len(t, attrs, 1)
	assert.Equal(t, "temperature", attrs[0].Event.(*protocol.AttributeEvent).Ref.Name)
}

func TestTunnelStartStop(t *testing.T) {
	h := newHarness(t, true)
	h.receive(t, protocol.Message{ID: "p", Event: &protocol.CapabilitiesRequest{
		Version: protocol.Version, TunnelHostname: "tunnel.example.com", TunnelPort: 2222,
	}})

	info := tcpTunnel("t1", 9001)
	h.receive(t, protocol.Message{ID: "start-1", Event: &protocol.TunnelStartRequest{Info: info}})
	require.Eventually(t, func() bool { return len(h.link.ofKind(protocol.KindTunnelStartResponse)) == 1 },
		time.Second, 5*time.Millisecond)

	start := h.link.last(t, protocol.KindTunnelStartResponse)
	assert.Equal(t, "start-1", start.ID)
	assert.NoError(t, start.Event.(*protocol.TunnelStartResponse).Err())
	assert.Equal(t, []tunnel.Endpoint{{Host: "tunnel.example.com", Port: 2222}}, h.factory.servers)
	require.Len(t, h.c.Tunnels(), 1)

	h.receive(t, protocol.Message{ID: "stop-1", Event: &protocol.TunnelStopRequest{Info: info}})
	stop := h.link.last(t, protocol.KindTunnelStopResponse)
	assert.Equal(t, "stop-1", stop.ID)
	assert.NoError(t, stop.Event.(*protocol.TunnelStopResponse).Err())
	assert.Empty(t, h.c.Tunnels())

	h.receive(t, protocol.Message{ID: "stop-2", Event: &protocol.TunnelStopRequest{Info: info}})
	assert.Error(t, h.link.last(t, protocol.KindTunnelStopResponse).Event.(*protocol.TunnelStopResponse).Err())
}

func TestTunnelStart_UsesRequestServerForLegacyPeers(t *testing.T) {
	h := newHarness(t, true)

	h.receive(t, protocol.Message{ID: "start-1", Event: &protocol.TunnelStartRequest{
		SSHHostname: "ssh.example.com", SSHPort: 22, Info: tcpTunnel("t1", 9001),
	}})
	require.Eventually(t, func() bool { return len(h.link.ofKind(protocol.KindTunnelStartResponse)) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []tunnel.Endpoint{{Host: "ssh.example.com", Port: 22}}, h.factory.servers)
}

func TestTunnelStart_FailureReported(t *testing.T) {
	h := newHarness(t, true)
	h.factory.fail = errors.New("connection refused")

	err := h.c.startTunnel(context.Background(), tunnel.Endpoint{Host: "ssh", Port: 22}, tcpTunnel("t1", 9001))
	require.Error(t, err)
	assert.Empty(t, h.c.Tunnels())

	err = h.c.startTunnel(context.Background(), tunnel.Endpoint{Host: "ssh", Port: 22}, tunnel.Info{ID: "bad"})
	assert.ErrorIs(t, err, errors.ErrInvalidTunnel)
}

func TestTunnelStart_Unsupported(t *testing.T) {
	h := newHarness(t, false)
	err := h.c.StartTunnel(context.Background(), tcpTunnel("t1", 9001))
	assert.ErrorIs(t, err, errors.ErrTunnellingUnsupported)

	h.receive(t, protocol.Message{ID: "start-1", Event: &protocol.TunnelStartRequest{
		SSHHostname: "ssh", SSHPort: 22, Info: tcpTunnel("t1", 9001),
	}})
	require.Eventually(t, func() bool { return len(h.link.ofKind(protocol.KindTunnelStartResponse)) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Error(t, h.link.last(t, protocol.KindTunnelStartResponse).Event.(*protocol.TunnelStartResponse).Err())
}

func TestReconcileTunnels(t *testing.T) {
	h := newHarness(t, true)
	h.receive(t, protocol.Message{ID: "p", Event: &protocol.CapabilitiesRequest{
		Version: protocol.Version, TunnelHostname: "tunnel", TunnelPort: 2222,
	}})
	ctx := context.Background()
	require.NoError(t, h.c.StartTunnel(ctx, tcpTunnel("keep", 9001)))
	require.NoError(t, h.c.StartTunnel(ctx, tcpTunnel("obsolete", 9002)))

	expiring := tcpTunnel("expiring", 9004)
	closeAt := h.clock.Now().Add(3 * time.Second)
	expiring.AutoCloseTime = &closeAt

	h.c.reconcileTunnels(ctx, []tunnel.Info{tcpTunnel("keep", 9001), tcpTunnel("missing", 9003), expiring})

	var live []string
	for _, info := range h.c.Tunnels() {
		live = append(live, info.ID)
	}
	assert.ElementsMatch(t, []string{"keep", "missing"}, live)
	assert.Equal(t, []string{"keep", "obsolete", "missing"}, h.factory.startedIDs())

	h.receive(t, protocol.Message{Event: &protocol.Initialised{}})
	require.Eventually(t, func() bool { return len(h.c.Tunnels()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStatus_PublishesOnlyFinalConnected(t *testing.T) {
	h := newHarness(t, true)
	var mu sync.Mutex
	var published []string
	_, err := h.bus.SubscribeStatus(context.Background(), localRealm, func(_ context.Context, s eventbus.ConnectionStatus) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, s.Status)
	})
	require.NoError(t, err)

	h.c.server = tunnel.Endpoint{Host: "tunnel", Port: 2222}
	require.NoError(t, h.c.StartTunnel(context.Background(), tcpTunnel("t1", 9001)))

	h.c.onStatus(transport.StatusEvent{Status: transport.StatusConnecting})
	assert.Empty(t, h.c.Tunnels(), "leaving CONNECTED stops tunnels")
	h.c.onStatus(transport.StatusEvent{Status: transport.StatusConnected, Final: false})
	assert.Equal(t, "CONNECTING", h.c.Status())
	h.c.onStatus(transport.StatusEvent{Status: transport.StatusConnected, Final: true})
	assert.Equal(t, "CONNECTED", h.c.Status())
	h.c.onStatus(transport.StatusEvent{Status: transport.StatusConnected, Final: true})
	h.c.onStatus(transport.StatusEvent{Status: transport.StatusWaiting, Err: errors.ErrConnectFailed})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CONNECTING", "CONNECTED", "WAITING"}, published)
}

func TestStart_DisabledConnectionOnlyPublishesStatus(t *testing.T) {
	mock := clock.NewMock()
	bus := eventbus.NewMemoryBus()
	conn := testConnection()
	conn.Disabled = true

	var got []string
	_, err := bus.SubscribeStatus(context.Background(), localRealm, func(_ context.Context, s eventbus.ConnectionStatus) {
		got = append(got, s.Status)
	})
	require.NoError(t, err)

	c, err := New(Config{Connection: conn, Store: store.NewMemoryAssetStore(mock), Bus: bus, Clock: mock})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StatusDisabled, c.Status())
	assert.Equal(t, []string{StatusDisabled}, got)
	assert.ErrorIs(t, c.Start(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, c.Stop(context.Background()))
}
