// Package service provides the lifecycle shared by the long-running
// federation services: start and stop transitions, periodic health checks
// and status reporting.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/openremote/openremote-sub007/health"
	"github.com/openremote/openremote-sub007/metric"
)

// Status represents the current status of a service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info holds runtime information for a service
type Info struct {
	Name               string        `json:"name"`
	Status             Status        `json:"status"`
	Uptime             time.Duration `json:"uptime"`
	StartTime          time.Time     `json:"start_time"`
	HealthChecks       int64         `json:"health_checks"`
	FailedHealthChecks int64         `json:"failed_health_checks"`
}

// HealthCheckFunc defines a custom health check function
type HealthCheckFunc func() error

// Option is a functional option for configuring BaseService
type Option func(*BaseService)

// BaseService provides common functionality for all services
type BaseService struct {
	name            string
	metricsRegistry *metric.MetricsRegistry
	logger          *slog.Logger
	clock           clock.Clock

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	healthy   atomic.Bool
	lastError atomic.Value // string

	healthChecks       atomic.Int64
	failedHealthChecks atomic.Int64

	healthCheckFunc HealthCheckFunc
	healthInterval  time.Duration
	onHealthChange  func(bool)

	done      chan struct{}
	waitGroup sync.WaitGroup
	mu        sync.Mutex
}

// NewBaseService creates a stopped service using functional options
func NewBaseService(name string, opts ...Option) *BaseService {
	s := &BaseService{
		name:           name,
		healthInterval: 30 * time.Second,
		logger:         slog.Default().With("service", name),
		clock:          clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.status.Store(StatusStopped)
	s.startTime.Store(time.Time{})
	s.lastError.Store("")
	s.recordStatus(StatusStopped)
	return s
}

// WithMetrics sets the metrics registry for the service
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *BaseService) {
		s.metricsRegistry = registry
	}
}

// WithLogger sets a custom logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *BaseService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock driving health checks and uptime
func WithClock(clk clock.Clock) Option {
	return func(s *BaseService) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithHealthCheck sets a custom health check function
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(s *BaseService) {
		s.healthCheckFunc = fn
	}
}

// WithHealthInterval sets the health check interval. Zero disables the
// periodic check.
func WithHealthInterval(interval time.Duration) Option {
	return func(s *BaseService) {
		s.healthInterval = interval
	}
}

// OnHealthChange sets a callback for health state changes
func OnHealthChange(fn func(bool)) Option {
	return func(s *BaseService) {
		s.onHealthChange = fn
	}
}

// Name returns the service name
func (s *BaseService) Name() string {
	return s.name
}

// Logger returns the service logger
func (s *BaseService) Logger() *slog.Logger {
	return s.logger
}

// Status returns the current service status
func (s *BaseService) Status() Status {
	return s.status.Load().(Status)
}

// IsHealthy returns whether the last health check passed
func (s *BaseService) IsHealthy() bool {
	return s.healthy.Load()
}

// Health returns the standard health status for the service
func (s *BaseService) Health() health.Status {
	if s.Status() == StatusRunning && !s.healthy.Load() {
		message := fmt.Sprintf("Service is unhealthy (failed checks: %d)", s.failedHealthChecks.Load())
		if last := s.lastError.Load().(string); last != "" {
			message = health.Sanitize(last)
		}
		return health.NewUnhealthy(s.name, message)
	}

	switch status := s.Status(); status {
	case StatusRunning:
		return health.NewHealthy(s.name, "Service operating normally")
	case StatusStarting:
		return health.NewDegraded(s.name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(s.name, "Service is stopping")
	case StatusStopped:
		return health.NewUnhealthy(s.name, "Service is stopped")
	default:
		return health.NewUnhealthy(s.name, fmt.Sprintf("Unknown status: %v", status))
	}
}

// Start marks the service running and starts health monitoring. Cancelling
// ctx stops the service.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.Status(); current == StatusRunning || current == StatusStarting {
		return nil
	}
	s.setStatus(StatusStarting)
	s.done = make(chan struct{})
	s.startTime.Store(s.clock.Now())

	s.performHealthCheck()
	if s.healthInterval > 0 {
		ticker := s.clock.Ticker(s.healthInterval)
		s.waitGroup.Add(1)
		go s.healthMonitor(ticker, s.done)
	}

	s.waitGroup.Add(1)
	go s.contextMonitor(ctx, s.done)

	s.setStatus(StatusRunning)
	return nil
}

// Stop stops the service, waiting up to timeout for its goroutines
func (s *BaseService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.Status(); current == StatusStopped || current == StatusStopping {
		return nil
	}
	s.setStatus(StatusStopping)
	s.closeDone()

	if timeout == 0 {
		timeout = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		s.waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Service goroutines did not stop in time", "timeout", timeout)
	}

	s.setStatus(StatusStopped)
	s.healthy.Store(false)
	return nil
}

func (s *BaseService) closeDone() {
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// GetStatus returns the current service information
func (s *BaseService) GetStatus() Info {
	startTime := s.startTime.Load().(time.Time)
	uptime := time.Duration(0)
	if !startTime.IsZero() && s.Status() == StatusRunning {
		uptime = s.clock.Since(startTime)
	}
	return Info{
		Name:               s.name,
		Status:             s.Status(),
		Uptime:             uptime,
		StartTime:          startTime,
		HealthChecks:       s.healthChecks.Load(),
		FailedHealthChecks: s.failedHealthChecks.Load(),
	}
}

func (s *BaseService) setStatus(status Status) {
	s.status.Store(status)
	s.recordStatus(status)
}

func (s *BaseService) recordStatus(status Status) {
	if s.metricsRegistry != nil {
		s.metricsRegistry.CoreMetrics().RecordServiceStatus(s.name, int(status))
	}
}

func (s *BaseService) healthMonitor(ticker *clock.Ticker, done <-chan struct{}) {
	defer s.waitGroup.Done()
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

// CheckHealth runs the health check immediately
func (s *BaseService) CheckHealth() {
	s.performHealthCheck()
}

func (s *BaseService) performHealthCheck() {
	s.healthChecks.Add(1)

	var err error
	if s.healthCheckFunc != nil {
		err = s.healthCheckFunc()
	}

	wasHealthy := s.healthy.Load()
	isHealthy := err == nil
	if err != nil {
		s.failedHealthChecks.Add(1)
		s.lastError.Store(err.Error())
	} else {
		s.lastError.Store("")
	}
	s.healthy.Store(isHealthy)

	if wasHealthy != isHealthy && s.onHealthChange != nil {
		go s.onHealthChange(isHealthy)
	}
}

// contextMonitor stops the service when the parent context is cancelled
func (s *BaseService) contextMonitor(ctx context.Context, done <-chan struct{}) {
	defer s.waitGroup.Done()

	select {
	case <-ctx.Done():
		if s.status.CompareAndSwap(StatusRunning, StatusStopping) {
			s.recordStatus(StatusStopping)
			s.setStatus(StatusStopped)
			s.healthy.Store(false)
		}
	case <-done:
	}
}

// Service defines the contract for all services
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Status() Status
	Health() health.Status
}
