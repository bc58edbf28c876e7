// Package http serves the gateway federation REST surface: edge connection
// management, connection status, central tunnel control, health and
// metrics. Handlers delegate into the federation services and carry no
// federation logic of their own.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/health"
	"github.com/openremote/openremote-sub007/metric"
	"github.com/openremote/openremote-sub007/service"
	"github.com/openremote/openremote-sub007/tunnel"
	"github.com/openremote/openremote-sub007/types"
)

const (
	// DefaultMaxRequestSize bounds request bodies.
	DefaultMaxRequestSize int64 = 1 << 20

	shutdownTimeout = 5 * time.Second
)

// ConnectionService manages edge gateway connections.
type ConnectionService interface {
	Connections(ctx context.Context) ([]*types.GatewayConnection, error)
	Connection(ctx context.Context, realm string) (*types.GatewayConnection, error)
	PutConnection(ctx context.Context, conn types.GatewayConnection) error
	DeleteConnections(ctx context.Context, realms ...string) error
	ConnectionStatus(realm string) (string, bool)
}

// TunnelService starts and stops central tunnels.
type TunnelService interface {
	StartTunnel(ctx context.Context, info tunnel.Info) (tunnel.Info, error)
	StopTunnel(ctx context.Context, info tunnel.Info) error
	Tunnels() []tunnel.Info
}

// HealthReporter reports process health.
type HealthReporter interface {
	Health() health.Status
	Ready() bool
}

// Config configures the REST server. Routes are only registered for the
// services that are set.
type Config struct {
	ListenAddress  string
	Connections    ConnectionService
	Tunnels        TunnelService
	Health         HealthReporter
	Identity       IdentityResolver
	MaxRequestSize int64

	// TLS serves HTTPS when set.
	TLS *tls.Config

	// Events and Tokens mount the central websocket and token endpoints on
	// the same listener.
	Events http.Handler
	Tokens http.Handler

	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
}

// Server is the REST server. It runs as a managed service.
type Server struct {
	*service.BaseService

	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	mux     *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// NewServer creates a stopped server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Identity == nil && (cfg.Connections != nil || cfg.Tunnels != nil) {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "check identity resolver")
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultMaxRequestSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway-http"),
		metrics: newMetrics(cfg.Registry),
		mux:     http.NewServeMux(),
	}
	s.BaseService = service.NewBaseService("gateway-http",
		service.WithLogger(s.logger),
		service.WithMetrics(cfg.Registry),
	)
	s.RegisterHTTPHandlers(s.mux)
	return s, nil
}

// Handler returns the server's request multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// RegisterHTTPHandlers registers every configured route with mux.
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	if s.cfg.Connections != nil {
		mux.Handle("GET /gateway/connection", s.route("list-connections", s.listConnections))
		mux.Handle("DELETE /gateway/connection", s.route("delete-connections", s.deleteConnections))
		mux.Handle("GET /gateway/connection/{realm}", s.route("get-connection", s.getConnection))
		mux.Handle("PUT /gateway/connection/{realm}", s.route("put-connection", s.putConnection))
		mux.Handle("DELETE /gateway/connection/{realm}", s.route("delete-connection", s.deleteConnection))
		mux.Handle("GET /gateway/status/{realm}", s.route("connection-status", s.connectionStatus))
	}
	if s.cfg.Tunnels != nil {
		mux.Handle("POST /gateway/tunnel/start", s.route("start-tunnel", s.startTunnel))
		mux.Handle("POST /gateway/tunnel/stop", s.route("stop-tunnel", s.stopTunnel))
		mux.Handle("GET /gateway/tunnel", s.route("list-tunnels", s.listTunnels))
	}
	if s.cfg.Events != nil {
		mux.Handle("/websocket/events", s.cfg.Events)
	}
	if s.cfg.Tokens != nil {
		mux.Handle("/auth/realms/", s.cfg.Tokens)
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.Handle("GET /metrics", s.cfg.Registry.Handler())
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	if s.Status() == service.StatusRunning {
		return errors.Wrap(errors.ErrAlreadyStarted, "Server", "Start", "start http server")
	}
	if s.cfg.ListenAddress == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Server", "Start", "check listen address")
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.cfg.ListenAddress)
	}
	if s.cfg.TLS != nil {
		listener = tls.NewListener(listener, s.cfg.TLS)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)

	s.mu.Lock()
	s.server = srv
	s.listener = listener
	s.serveErr = serveErr
	s.mu.Unlock()

	go func() {
		err := srv.Serve(listener)
		if stderrors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	s.logger.Info("HTTP server listening", "address", listener.Addr().String(), "tls", s.cfg.TLS != nil)
	return s.BaseService.Start(ctx)
}

// Addr returns the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down, waiting up to timeout for requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv, serveErr := s.server, s.serveErr
	s.server, s.listener, s.serveErr = nil, nil, nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		if timeout <= 0 {
			timeout = shutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = errors.WrapTransient(shutdownErr, "Server", "Stop", "shutdown http server")
		} else {
			err = <-serveErr
		}
	}
	if stopErr := s.BaseService.Stop(timeout); err == nil {
		err = stopErr
	}
	return err
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, id Identity) error

// route wraps an authenticated REST handler with request ids, metrics and
// error mapping.
func (s *Server) route(name string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		logger := s.logger.With("route", name, "request_id", requestID)

		defer func() {
			s.metrics.Requests.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
			s.metrics.Duration.WithLabelValues(name).Observe(time.Since(begin).Seconds())
		}()

		id, err := s.cfg.Identity.Resolve(r)
		if err != nil {
			s.writeError(rec, logger, err)
			return
		}
		if err := fn(rec, r, id); err != nil {
			s.writeError(rec, logger, err)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// decode reads a JSON body no larger than the configured limit.
func (s *Server) decode(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		return errors.WrapInvalid(err, "Server", "decode", "read request body")
	}
	if int64(len(body)) > s.cfg.MaxRequestSize {
		return &requestError{code: http.StatusRequestEntityTooLarge,
			message: fmt.Sprintf("request body exceeds maximum size of %d bytes", s.cfg.MaxRequestSize)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Server", "decode", "parse request body")
	}
	return nil
}

// requestError carries an explicit status code and client message.
type requestError struct {
	code    int
	message string
}

func (e *requestError) Error() string { return e.message }

func forbidden(realm string) error {
	return &requestError{code: http.StatusForbidden, message: "access to realm " + realm + " denied"}
}

// statusFor maps an error to an HTTP status code and a client safe message.
func statusFor(err error) (int, string) {
	var reqErr *requestError
	switch {
	case stderrors.As(err, &reqErr):
		return reqErr.code, reqErr.message
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, errors.ErrGatewayNotFound), errors.Is(err, errors.ErrTunnelNotFound), errors.Is(err, errors.ErrAssetNotFound):
		return http.StatusNotFound, "resource not found"
	case errors.Is(err, errors.ErrTunnellingUnsupported):
		return http.StatusBadRequest, "gateway does not support tunnelling"
	case errors.Is(err, errors.ErrRequestTimeout):
		return http.StatusGatewayTimeout, "request timeout"
	case errors.Is(err, errors.ErrNotConnected), errors.Is(err, errors.ErrDisconnected):
		return http.StatusServiceUnavailable, "gateway not connected"
	case errors.IsInvalid(err):
		return http.StatusBadRequest, "invalid request"
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	}
	return http.StatusInternalServerError, "internal server error"
}

func (s *Server) writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code, message := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Error("Request failed", "status", code, "error", err)
	} else {
		logger.Debug("Request rejected", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]any{"error": message, "status": code})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := health.NewHealthy("system", "No services registered")
	if s.cfg.Health != nil {
		status = s.cfg.Health.Health()
	}
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Health != nil && !s.cfg.Health.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}
