package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/metric"
)

// SessionHandler receives server side session callbacks. OnMessage runs on
// the session's read goroutine and must not block.
type SessionHandler interface {
	OnOpen(s *Session)
	OnMessage(s *Session, msg string)
	OnClose(s *Session)
}

// Session is one accepted websocket connection.
type Session struct {
	id       string
	clientID string
	realm    string
	conn     *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ID is unique per accepted connection.
func (s *Session) ID() string { return s.id }

// ClientID is the authenticated client id.
func (s *Session) ClientID() string { return s.clientID }

// Realm is the realm requested in the connection URL.
func (s *Session) Realm() string { return s.realm }

// Send writes a text message.
func (s *Session) Send(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return errors.WrapTransient(err, "Session", "Send", "write message")
	}
	return nil
}

// Close sends a close frame and closes the connection. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Server accepts websocket sessions.
type Server struct {
	upgrader websocket.Upgrader
	auth     Authenticator
	handler  SessionHandler
	logger   *slog.Logger
	metrics  *Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server. A nil auth accepts every request with an
// empty client id.
func NewServer(auth Authenticator, handler SessionHandler, registry *metric.MetricsRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		auth:     auth,
		handler:  handler,
		logger:   logger.With("component", "transport-server"),
		metrics:  newMetrics(registry, "transport-server"),
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP authenticates and upgrades the request, then serves the session
// until it closes.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var clientID string
	if srv.auth != nil {
		id, err := srv.auth.Authenticate(r)
		if err != nil {
			srv.logger.Debug("Rejected websocket request", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		clientID = id
	}

	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	srv.wg.Add(1)
	srv.mu.Unlock()
	defer srv.wg.Done()

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := &Session{
		id:       uuid.NewString(),
		clientID: clientID,
		realm:    r.URL.Query().Get("realm"),
		conn:     conn,
	}
	srv.mu.Lock()
	srv.sessions[s.id] = s
	srv.mu.Unlock()
	srv.metrics.SessionsActive.Inc()

	srv.logger.Info("Session opened", "session", s.id, "client_id", clientID, "realm", s.realm)
	srv.handler.OnOpen(s)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		srv.handler.OnMessage(s, string(data))
	}

	srv.mu.Lock()
	delete(srv.sessions, s.id)
	srv.mu.Unlock()
	srv.metrics.SessionsActive.Dec()
	_ = s.Close()
	srv.handler.OnClose(s)
	srv.logger.Info("Session closed", "session", s.id, "client_id", clientID)
}

// Sessions returns the open sessions.
func (srv *Server) Sessions() []*Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, s)
	}
	return out
}

// Close closes every session, refuses new ones and waits for their handlers
// to return.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closed = true
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	srv.wg.Wait()
	return nil
}
