package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/eventbus"
	"github.com/openremote/openremote-sub007/federation"
	"github.com/openremote/openremote-sub007/health"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/store"
	"github.com/openremote/openremote-sub007/tunnel"
	"github.com/openremote/openremote-sub007/types"
)

const (
	adminToken = "admin-token"
	siteToken  = "site-token"
)

type fakeTunnels struct {
	mu      sync.Mutex
	tunnels []tunnel.Info
	err     error
}

func (f *fakeTunnels) StartTunnel(_ context.Context, info tunnel.Info) (tunnel.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tunnel.Info{}, f.err
	}
	info.ID = "t1"
	info.AssignedPort = 9000
	f.tunnels = append(f.tunnels, info)
	return info, nil
}

func (f *fakeTunnels) StopTunnel(_ context.Context, info tunnel.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tunnels {
		if t.ID == info.ID {
			f.tunnels = append(f.tunnels[:i], f.tunnels[i+1:]...)
			return nil
		}
	}
	return errors.WrapInvalid(errors.ErrTunnelNotFound, "fakeTunnels", "StopTunnel", "find tunnel")
}

func (f *fakeTunnels) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTunnels) Tunnels() []tunnel.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tunnel.Info(nil), f.tunnels...)
}

type fakeHealth struct {
	status health.Status
	ready  bool
}

func (f fakeHealth) Health() health.Status { return f.status }
func (f fakeHealth) Ready() bool           { return f.ready }

type restFixture struct {
	server  *httptest.Server
	conns   *federation.ClientService
	tunnels *fakeTunnels
}

func newRestFixture(t *testing.T) *restFixture {
	t.Helper()
	conns, err := federation.NewClientService(federation.ClientConfig{
		Connections: store.NewMemoryConnectionStore(),
		Store:       store.NewMemoryAssetStore(nil),
		Bus:         eventbus.NewMemoryBus(),
	})
	require.NoError(t, err)
	require.NoError(t, conns.Start(context.Background()))
	t.Cleanup(func() { _ = conns.Stop(time.Second) })

	tunnels := &fakeTunnels{}
	srv, err := NewServer(Config{
		Connections: conns,
		Tunnels:     tunnels,
		Health:      fakeHealth{status: health.NewHealthy("system", "ok"), ready: true},
		Identity: NewTokenResolver([]AdminToken{
			{Token: adminToken, Identity: Identity{Subject: "admin", Realm: "master", SuperUser: true}},
			{Token: siteToken, Identity: Identity{Subject: "site-admin", Realm: "site"}},
		}),
		Registry: metric.NewMetricsRegistry(),
	})
	require.NoError(t, err)

	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return &restFixture{server: server, conns: conns, tunnels: tunnels}
}

func (f *restFixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func connectionBody(realm string) string {
	conn := types.GatewayConnection{
		LocalRealm:   realm,
		Realm:        "master",
		Host:         "central.example.com",
		ClientID:     "gateway-abc",
		ClientSecret: "secret",
		Disabled:     true,
	}
	data, _ := json.Marshal(conn)
	return string(data)
}

func TestIdentity_CanAccess(t *testing.T) {
	assert.True(t, Identity{SuperUser: true}.CanAccess("any"))
	assert.True(t, Identity{Realm: "site"}.CanAccess("site"))
	assert.False(t, Identity{Realm: "site"}.CanAccess("other"))
	assert.False(t, Identity{}.CanAccess(""))
}

func TestTokenResolver(t *testing.T) {
	r := NewTokenResolver([]AdminToken{{Token: "abc", Identity: Identity{Realm: "site"}}, {Token: ""}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := r.Resolve(req)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	req.Header.Set("Authorization", "Bearer nope")
	_, err = r.Resolve(req)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	req.Header.Set("Authorization", "Bearer abc")
	id, err := r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "site", id.Realm)
}

func TestNewServer_RequiresIdentity(t *testing.T) {
	_, err := NewServer(Config{Tunnels: &fakeTunnels{}})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", errors.WrapInvalid(errors.ErrUnauthorized, "x", "y", "z"), http.StatusUnauthorized},
		{"gateway not found", errors.WrapInvalid(errors.ErrGatewayNotFound, "x", "y", "z"), http.StatusNotFound},
		{"tunnel not found", errors.WrapInvalid(errors.ErrTunnelNotFound, "x", "y", "z"), http.StatusNotFound},
		{"tunnelling unsupported", errors.WrapInvalid(errors.ErrTunnellingUnsupported, "x", "y", "z"), http.StatusBadRequest},
		{"timeout", errors.WrapTransient(errors.ErrRequestTimeout, "x", "y", "z"), http.StatusGatewayTimeout},
		{"not connected", errors.WrapTransient(errors.ErrNotConnected, "x", "y", "z"), http.StatusServiceUnavailable},
		{"invalid", errors.WrapInvalid(errors.ErrInvalidConfig, "x", "y", "z"), http.StatusBadRequest},
		{"transient", errors.WrapTransient(errors.ErrStorageUnavailable, "x", "y", "z"), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message := statusFor(tt.err)
			assert.Equal(t, tt.want, code)
			assert.NotContains(t, message, "x.y")
		})
	}
}

func TestConnections_CRUD(t *testing.T) {
	f := newRestFixture(t)

	resp := f.do(t, http.MethodGet, "/gateway/connection", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/gateway/connection/site", siteToken, connectionBody("site"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = f.do(t, http.MethodPut, "/gateway/connection/other", siteToken, connectionBody("other"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/gateway/connection/other", adminToken, connectionBody("other"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/gateway/connection/site", adminToken, connectionBody("other"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/gateway/connection/site", adminToken, `{"realm":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/gateway/connection/third", adminToken, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Realm admins only see their own realm.
	resp = f.do(t, http.MethodGet, "/gateway/connection", siteToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var visible []types.GatewayConnection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&visible))
	require.Len(t, visible, 1)
	assert.Equal(t, "site", visible[0].LocalRealm)

	resp = f.do(t, http.MethodGet, "/gateway/connection", adminToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []types.GatewayConnection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	assert.Len(t, all, 2)

	resp = f.do(t, http.MethodGet, "/gateway/connection/site", siteToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conn types.GatewayConnection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conn))
	assert.Equal(t, "central.example.com", conn.Host)

	resp = f.do(t, http.MethodGet, "/gateway/status/site", siteToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status ConnectionStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, ConnectionStatusResponse{Realm: "site", Status: "DISABLED"}, status)

	resp = f.do(t, http.MethodGet, "/gateway/status/missing", adminToken, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/gateway/connection?realm=site&realm=other", siteToken, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/gateway/connection?realm=site&realm=other", adminToken, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/gateway/connection/site", adminToken, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConnections_DeleteSingle(t *testing.T) {
	f := newRestFixture(t)
	resp := f.do(t, http.MethodPut, "/gateway/connection/site", siteToken, connectionBody("site"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/gateway/connection/site", siteToken, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := f.conns.ConnectionStatus("site")
	assert.False(t, ok)

	resp = f.do(t, http.MethodDelete, "/gateway/connection", adminToken, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTunnels(t *testing.T) {
	f := newRestFixture(t)
	body := `{"realm":"site","gatewayId":"gw1","type":"TCP","target":"localhost","targetPort":22}`

	resp := f.do(t, http.MethodPost, "/gateway/tunnel/start", siteToken, strings.Replace(body, `"site"`, `"other"`, 1))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/gateway/tunnel/start", siteToken, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started tunnel.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, "t1", started.ID)
	assert.Equal(t, 9000, started.AssignedPort)

	resp = f.do(t, http.MethodGet, "/gateway/tunnel", siteToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []tunnel.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Len(t, listed, 1)

	stop := `{"id":"t1","realm":"site"}`
	resp = f.do(t, http.MethodPost, "/gateway/tunnel/stop", siteToken, stop)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/gateway/tunnel/stop", siteToken, stop)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.tunnels.fail(errors.WrapInvalid(errors.ErrTunnellingUnsupported, "Service", "StartTunnel", "check gateway"))
	resp = f.do(t, http.MethodPost, "/gateway/tunnel/start", siteToken, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestSizeLimit(t *testing.T) {
	f := newRestFixture(t)
	huge := `{"target":"` + strings.Repeat("a", int(DefaultMaxRequestSize)) + `"}`
	resp := f.do(t, http.MethodPost, "/gateway/tunnel/start", adminToken, huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newRestFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "system", status.Component)

	resp = f.do(t, http.MethodGet, "/health/live", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.do(t, http.MethodGet, "/gateway/connection", adminToken, "")
	resp = f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gatewayfed_http_requests_total")
}

func TestServer_StartStop(t *testing.T) {
	srv, err := NewServer(Config{ListenAddress: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.ErrorIs(t, srv.Start(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, srv.Stop(time.Second))
	assert.Empty(t, srv.Addr())
}
