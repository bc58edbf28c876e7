package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/openremote/openremote-sub007/health"
)

// Manager starts a fixed set of services in registration order and stops
// them in reverse.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]Service
	order    []string
	started  []string
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		services: make(map[string]Service),
	}
}

// Add registers a service. Names must be unique.
func (m *Manager) Add(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := svc.Name()
	if _, exists := m.services[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}
	m.services[name] = svc
	m.order = append(m.order, name)
	return nil
}

// Service returns a registered service by name.
func (m *Manager) Service(name string) (Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	return svc, ok
}

// Services returns the registered services in registration order.
func (m *Manager) Services() []Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Service, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.services[name])
	}
	return out
}

// StartAll starts every service. When one fails the ones already started
// are stopped again.
func (m *Manager) StartAll(ctx context.Context, stopTimeout time.Duration) error {
	for _, svc := range m.Services() {
		m.logger.Debug("Starting service", "service", svc.Name())
		if err := svc.Start(ctx); err != nil {
			m.logger.Error("Failed to start service", "service", svc.Name(), "error", err)
			return multierr.Append(fmt.Errorf("start service %s: %w", svc.Name(), err), m.StopAll(stopTimeout))
		}
		m.mu.Lock()
		m.started = append(m.started, svc.Name())
		m.mu.Unlock()
	}
	m.logger.Info("All services started", "count", len(m.order))
	return nil
}

// StopAll stops the started services in reverse order.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	logger := m.logger.With("operation", "services-shutdown")
	var errs error
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		svc, ok := m.Service(name)
		if !ok {
			continue
		}
		begin := time.Now()
		if err := svc.Stop(timeout); err != nil {
			logger.Error("Service stop failed", "service", name, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("stop service %s: %w", name, err))
			continue
		}
		logger.Debug("Service stopped", "service", name, "duration_ms", time.Since(begin).Milliseconds())
	}
	return errs
}

// Health aggregates the health of every registered service.
func (m *Manager) Health() health.Status {
	services := m.Services()
	statuses := make([]health.Status, 0, len(services))
	for _, svc := range services {
		statuses = append(statuses, svc.Health())
	}
	return health.Aggregate("system", statuses)
}

// Ready reports whether every registered service is running.
func (m *Manager) Ready() bool {
	for _, svc := range m.Services() {
		if svc.Status() != StatusRunning {
			return false
		}
	}
	return true
}
