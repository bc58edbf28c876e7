package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/pkg/retry"
)

const writeTimeout = 10 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name identifies the client in logs and metrics.
	Name string
	URL  string
	// Credentials is optional.
	Credentials CredentialProvider
	// Handshake is optional. Without one the client is ready once the socket opens.
	Handshake Handshake
	// Reconnect controls the backoff between attempts. Zero uses retry.Reconnect().
	Reconnect retry.Config
	// Dialer defaults to websocket.DefaultDialer.
	Dialer   *websocket.Dialer
	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// Client is a reconnecting websocket client.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	clock   clock.Clock
	metrics *Metrics

	mu               sync.Mutex
	status           Status
	conn             *websocket.Conn
	statusConsumers  []func(StatusEvent)
	messageConsumers []func(string)
	cancel           context.CancelFunc
	done             chan struct{}

	writeMu sync.Mutex
}

// NewClient validates cfg and returns a disconnected client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "validate url")
	}
	if cfg.Name == "" {
		cfg.Name = "transport"
	}
	if cfg.Reconnect == (retry.Config{}) {
		cfg.Reconnect = retry.Reconnect()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "transport-client", "client", cfg.Name),
		clock:   cfg.Clock,
		metrics: newMetrics(cfg.Registry, cfg.Name),
		status:  StatusDisconnected,
	}, nil
}

// Subscribe registers a status consumer. Consumers run on the connection
// goroutine in registration order and must not block.
func (c *Client) Subscribe(fn func(StatusEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusConsumers = append(c.statusConsumers, fn)
}

// AddMessageConsumer registers a consumer for inbound text messages. Consumers
// run on the read goroutine and must not block.
func (c *Client) AddMessageConsumer(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageConsumers = append(c.messageConsumers, fn)
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect starts the connection loop. It returns immediately; progress is
// reported through status events.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

// Disconnect stops the connection loop and closes the socket. It does not
// wait; use Done to wait for the final DISCONNECTED status.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	unregisterMetrics(c.cfg.Registry, c.cfg.Name)
	return nil
}

// Done is closed when the connection loop has exited. It is nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Send writes a text message. It fails with ErrNotConnected when no socket
// is open.
func (c *Client) Send(msg string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return errors.WrapTransient(err, "Client", "Send", "write message")
	}
	return nil
}

func (c *Client) emit(ev StatusEvent) {
	c.mu.Lock()
	c.status = ev.Status
	consumers := append(([]func(StatusEvent))(nil), c.statusConsumers...)
	c.mu.Unlock()

	c.logger.Debug("Connection status changed", "status", ev.Status, "final", ev.Final, "error", ev.Err)
	for _, fn := range consumers {
		fn(ev)
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.emit(StatusEvent{Status: StatusDisconnected, Final: true})

	failures := 0
	for {
		c.emit(StatusEvent{Status: StatusConnecting})
		c.metrics.ConnectAttempts.Inc()

		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			failures = 0
			c.logger.Info("Connection lost", "error", err)
		} else {
			failures++
			c.metrics.ConnectFailures.Inc()
			c.logger.Warn("Connect attempt failed", "attempt", failures, "error", err)
		}

		timer := c.clock.Timer(c.cfg.Reconnect.Delay(max(failures, 1)))
		c.emit(StatusEvent{Status: StatusWaiting, Err: err})

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one socket from dial to close. established reports whether
// the socket became ready before it closed.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	var header http.Header
	if c.cfg.Credentials != nil {
		if header, err = c.cfg.Credentials.Header(ctx); err != nil {
			return false, err
		}
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = errors.Wrap(errors.ErrUnauthorized, "Client", "session", "dial "+resp.Status)
		}
		return false, errors.WrapTransient(errors.Join(errors.ErrConnectFailed, err), "Client", "session", "dial")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	readDone := make(chan error, 1)
	handshake := newPendingHandshake(c.cfg.Handshake)
	go c.readLoop(conn, handshake, readDone)

	if c.cfg.Handshake != nil {
		timer := c.clock.Timer(c.cfg.Handshake.Window())
		c.emit(StatusEvent{Status: StatusConnected, Final: false})
		select {
		case hsErr := <-handshake.result:
			timer.Stop()
			if hsErr != nil {
				_ = conn.Close()
				<-readDone
				return false, errors.WrapTransient(errors.Join(errors.ErrConnectFailed, hsErr),
					"Client", "session", "handshake")
			}
		case <-timer.C:
			handshake.abandon()
			c.logger.Info("Readiness window elapsed, assuming peer is ready", "window", c.cfg.Handshake.Window())
		case readErr := <-readDone:
			timer.Stop()
			return false, errors.WrapTransient(errors.Join(errors.ErrConnectFailed, readErr),
				"Client", "session", "await readiness")
		case <-ctx.Done():
			timer.Stop()
			_ = conn.Close()
			<-readDone
			return false, ctx.Err()
		}
	}

	c.emit(StatusEvent{Status: StatusConnected, Final: true})

	select {
	case readErr := <-readDone:
		return true, readErr
	case <-ctx.Done():
		_ = conn.Close()
		<-readDone
		return true, nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn, handshake *pendingHandshake, done chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		msg := string(data)
		handshake.observe(msg)

		c.mu.Lock()
		consumers := append(([]func(string))(nil), c.messageConsumers...)
		c.mu.Unlock()
		for _, fn := range consumers {
			fn(msg)
		}
	}
}

// pendingHandshake feeds inbound messages to a Handshake until it settles.
type pendingHandshake struct {
	hs     Handshake
	mu     sync.Mutex
	active bool
	result chan error
}

func newPendingHandshake(hs Handshake) *pendingHandshake {
	return &pendingHandshake{hs: hs, active: hs != nil, result: make(chan error, 1)}
}

func (p *pendingHandshake) observe(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	ready, err := p.hs.Observe(msg)
	if !ready && err == nil {
		return
	}
	p.active = false
	p.result <- err
}

func (p *pendingHandshake) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
}
