package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
)

// ServiceStatus represents the current state of a service.
type ServiceStatus string

const (
	StatusNotStarted ServiceStatus = "not_started"
	StatusStarting   ServiceStatus = "starting"
	StatusRunning    ServiceStatus = "running"
	StatusStopping   ServiceStatus = "stopping"
	StatusStopped    ServiceStatus = "stopped"
	StatusFailed     ServiceStatus = "failed"
)

// ServiceInfo contains metadata about a managed service.
type ServiceInfo struct {
	Name         string        `json:"name"`
	Status       ServiceStatus `json:"status"`
	Health       HealthStatus  `json:"health"`
	Dependencies []string      `json:"dependencies"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	StoppedAt    *time.Time    `json:"stoppedAt,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
}

// Lifecycle manages a set of services with dependency resolution.
type Lifecycle struct {
	services   map[string]ManagedService
	status     map[string]ServiceStatus
	startedAt  map[string]time.Time
	stoppedAt  map[string]time.Time
	lastErrors map[string]error
	started    []string
	mu         sync.RWMutex
	// runMu serializes StartAll and StopAll. mu is never held across a
	// service's own Start or Stop.
	runMu sync.Mutex

	startTimeout time.Duration
	stopTimeout  time.Duration
}

// NewLifecycle creates an empty lifecycle manager.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		services:     make(map[string]ManagedService),
		status:       make(map[string]ServiceStatus),
		startedAt:    make(map[string]time.Time),
		stoppedAt:    make(map[string]time.Time),
		lastErrors:   make(map[string]error),
		startTimeout: 30 * time.Second,
		stopTimeout:  10 * time.Second,
	}
}

// WithTimeouts configures per-service start and stop timeouts.
func (l *Lifecycle) WithTimeouts(start, stop time.Duration) *Lifecycle {
	l.startTimeout = start
	l.stopTimeout = stop
	return l
}

// Register adds a service.
func (l *Lifecycle) Register(service ManagedService) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := service.Name()
	if name == "" {
		return ferrors.ValidationError("service name cannot be empty").Build()
	}
	if _, exists := l.services[name]; exists {
		return ferrors.AlreadyExistsError(fmt.Sprintf("service %s already registered", name)).Build()
	}

	l.services[name] = service
	l.status[name] = StatusNotStarted
	slog.Debug("Service registered", "service", name, "dependencies", service.Dependencies())
	return nil
}

// StartAll starts all services in dependency order. When one fails, the
// services already started are stopped again.
func (l *Lifecycle) StartAll(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	l.mu.RLock()
	order, err := l.startOrder()
	l.mu.RUnlock()
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to calculate service start order").Build()
	}

	slog.Info("Starting services", "count", len(order), "order", order)
	for _, name := range order {
		if err := l.startService(ctx, name); err != nil {
			_ = l.stopStarted(ctx)
			return err
		}
	}
	return nil
}

// StopAll stops running services in reverse start order.
func (l *Lifecycle) StopAll(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	slog.Info("Stopping services", "count", len(l.started))
	if err := l.stopStarted(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "some services failed to stop gracefully").Build()
	}
	return nil
}

// Info returns information about one service.
func (l *Lifecycle) Info(name string) (ServiceInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.infoLocked(name)
}

// AllInfo returns information about every service, sorted by name.
func (l *Lifecycle) AllInfo() []ServiceInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.services))
	for name := range l.services {
		names = append(names, name)
	}
	slices.Sort(names)

	infos := make([]ServiceInfo, 0, len(names))
	for _, name := range names {
		if info, ok := l.infoLocked(name); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

func (l *Lifecycle) infoLocked(name string) (ServiceInfo, bool) {
	service, exists := l.services[name]
	if !exists {
		return ServiceInfo{}, false
	}
	info := ServiceInfo{
		Name:         name,
		Status:       l.status[name],
		Dependencies: service.Dependencies(),
		Health:       service.Health(),
	}
	if t, ok := l.startedAt[name]; ok {
		info.StartedAt = &t
	}
	if t, ok := l.stoppedAt[name]; ok {
		info.StoppedAt = &t
	}
	if err := l.lastErrors[name]; err != nil {
		info.LastError = err.Error()
	}
	return info, true
}

// startOrder is a topological sort over Dependencies; ties are broken by name.
func (l *Lifecycle) startOrder() ([]string, error) {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	var order []string

	var visit func(string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency detected involving service: %s", name)
		}
		if visited[name] {
			return nil
		}
		service, exists := l.services[name]
		if !exists {
			return fmt.Errorf("service not found: %s", name)
		}

		visiting[name] = true
		for _, dep := range service.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(l.services))
	for name := range l.services {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (l *Lifecycle) startService(ctx context.Context, name string) error {
	l.mu.Lock()
	service := l.services[name]
	l.status[name] = StatusStarting
	l.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, l.startTimeout)
	defer cancel()

	start := time.Now()
	err := service.Start(startCtx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.status[name] = StatusFailed
		l.lastErrors[name] = err
		return ferrors.WrapError(err, ferrors.CategoryRuntime, fmt.Sprintf("failed to start service %s", name)).
			WithContext("service", name).
			Build()
	}

	l.status[name] = StatusRunning
	l.startedAt[name] = start
	delete(l.stoppedAt, name)
	l.lastErrors[name] = nil
	l.started = append(l.started, name)
	slog.Info("Service started", "service", name, "duration", time.Since(start))
	return nil
}

func (l *Lifecycle) stopService(ctx context.Context, name string) error {
	l.mu.Lock()
	if l.status[name] != StatusRunning {
		l.mu.Unlock()
		return nil
	}
	service := l.services[name]
	l.status[name] = StatusStopping
	l.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, l.stopTimeout)
	defer cancel()

	start := time.Now()
	err := service.Stop(stopCtx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.status[name] = StatusFailed
		l.lastErrors[name] = err
		return err
	}

	l.status[name] = StatusStopped
	l.stoppedAt[name] = time.Now()
	slog.Info("Service stopped", "service", name, "duration", time.Since(start))
	return nil
}

// stopStarted stops started services newest first and returns the last error.
func (l *Lifecycle) stopStarted(ctx context.Context) error {
	l.mu.Lock()
	started := l.started
	l.started = nil
	l.mu.Unlock()

	var lastErr error
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		if err := l.stopService(ctx, name); err != nil {
			slog.Error("Error stopping service", "service", name, "error", err)
			lastErr = err
		}
	}
	return lastErr
}
