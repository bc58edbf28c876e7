package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/pkg/retry"
)

type statusRecorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *statusRecorder) record(ev StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *statusRecorder) has(status Status, final bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Status == status && ev.Final == final {
			return true
		}
	}
	return false
}

func (r *statusRecorder) last() StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return StatusEvent{}
	}
	return r.events[len(r.events)-1]
}

// wsServer upgrades every request and hands the socket to serve.
func wsServer(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echo(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

type prefixHandshake struct {
	window time.Duration
}

func (h prefixHandshake) Observe(msg string) (bool, error) {
	switch {
	case strings.HasPrefix(msg, "READY"):
		return true, nil
	case strings.HasPrefix(msg, "REJECT"):
		return false, errors.New(strings.TrimPrefix(msg, "REJECT:"))
	}
	return false, nil
}

func (h prefixHandshake) Window() time.Duration { return h.window }

func newTestClient(t *testing.T, url string, hs Handshake, clk clock.Clock) (*Client, *statusRecorder) {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Name:      "test",
		URL:       url,
		Handshake: hs,
		Clock:     clk,
		Reconnect: retry.Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
	})
	require.NoError(t, err)
	rec := &statusRecorder{}
	c.Subscribe(rec.record)
	t.Cleanup(func() {
		_ = c.Disconnect()
		if done := c.Done(); done != nil {
			<-done
		}
	})
	return c, rec
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_ConnectWithoutHandshake(t *testing.T) {
	srv := wsServer(t, echo)
	c, rec := newTestClient(t, wsURL(srv), nil, nil)

	received := make(chan string, 1)
	c.AddMessageConsumer(func(msg string) { received <- msg })

	assert.ErrorIs(t, c.Send("early"), errors.ErrNotConnected)
	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), errors.ErrAlreadyStarted)

	require.Eventually(t, func() bool { return rec.has(StatusConnected, true) }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, rec.has(StatusConnected, false))

	require.NoError(t, c.Send("hello"))
	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("echo not received")
	}

	require.NoError(t, c.Disconnect())
	<-c.Done()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, StatusEvent{Status: StatusDisconnected, Final: true}, rec.last())
}

func TestClient_HandshakeReadyMessage(t *testing.T) {
	release := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn) {
		<-release
		_ = conn.WriteMessage(websocket.TextMessage, []byte("READY"))
		echo(conn)
	})
	mock := clock.NewMock()
	c, rec := newTestClient(t, wsURL(srv), prefixHandshake{window: 30 * time.Second}, mock)

	var msgs []string
	var mu sync.Mutex
	c.AddMessageConsumer(func(msg string) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
	})
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return rec.has(StatusConnected, false) }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, rec.has(StatusConnected, true))

	// Sending is possible before the handshake completes
	require.NoError(t, c.Send("ping"))

	close(release)
	require.Eventually(t, func() bool { return rec.has(StatusConnected, true) }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"READY", "ping"}, msgs)
	mu.Unlock()
}

func TestClient_HandshakeWindowAssumesLegacyPeer(t *testing.T) {
	srv := wsServer(t, echo)
	mock := clock.NewMock()
	c, rec := newTestClient(t, wsURL(srv), prefixHandshake{window: 30 * time.Second}, mock)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return rec.has(StatusConnected, false) }, 5*time.Second, 10*time.Millisecond)
	mock.Add(29 * time.Second)
	assert.False(t, rec.has(StatusConnected, true))

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return rec.has(StatusConnected, true) }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_SocketClosedWhileWaitingFailsConnect(t *testing.T) {
	srv := wsServer(t, func(*websocket.Conn) {})
	mock := clock.NewMock()
	c, rec := newTestClient(t, wsURL(srv), prefixHandshake{window: 30 * time.Second}, mock)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return rec.last().Status == StatusWaiting }, 5*time.Second, 10*time.Millisecond)
	last := rec.last()
	assert.ErrorIs(t, last.Err, errors.ErrConnectFailed)
	assert.False(t, rec.has(StatusConnected, true))
}

func TestClient_HandshakeRejection(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("REJECT:DISABLED"))
		echo(conn)
	})
	mock := clock.NewMock()
	c, rec := newTestClient(t, wsURL(srv), prefixHandshake{window: 30 * time.Second}, mock)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return rec.last().Status == StatusWaiting }, 5*time.Second, 10*time.Millisecond)
	last := rec.last()
	assert.ErrorIs(t, last.Err, errors.ErrConnectFailed)
	assert.Contains(t, last.Err.Error(), "DISABLED")
	assert.False(t, rec.has(StatusConnected, true))
}

func TestClient_ReconnectsAfterBackoff(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	srv := wsServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()
		if n == 1 {
			return
		}
		echo(conn)
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return connections
	}

	mock := clock.NewMock()
	c, rec := newTestClient(t, wsURL(srv), nil, mock)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return rec.last().Status == StatusWaiting }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, count())

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return count() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.Status() == StatusConnected }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_DialFailureBacksOff(t *testing.T) {
	srv := wsServer(t, echo)
	url := wsURL(srv)
	srv.Close()

	mock := clock.NewMock()
	c, rec := newTestClient(t, url, nil, mock)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return rec.last().Status == StatusWaiting }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, rec.last().Err, errors.ErrConnectFailed)

	require.NoError(t, c.Disconnect())
	<-c.Done()
	assert.Equal(t, StatusDisconnected, c.Status())
}
