package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// HTTPServer defines the interface expected by HTTPServerService.
type HTTPServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HTTPServerService adapts an HTTP server to the ManagedService interface.
type HTTPServerService struct {
	server  HTTPServer
	name    string
	deps    []string
	running atomic.Bool
}

// NewHTTPServerService creates a new HTTP server service adapter. The server
// starts after deps.
func NewHTTPServerService(name string, server HTTPServer, deps ...string) *HTTPServerService {
	return &HTTPServerService{server: server, name: name, deps: deps}
}

func (h *HTTPServerService) Name() string { return h.name }

func (h *HTTPServerService) Start(ctx context.Context) error {
	if err := h.server.Start(ctx); err != nil {
		return err
	}
	h.running.Store(true)
	return nil
}

func (h *HTTPServerService) Stop(ctx context.Context) error {
	h.running.Store(false)
	return h.server.Stop(ctx)
}

func (h *HTTPServerService) Health() HealthStatus {
	if h.running.Load() {
		return HealthStatusHealthy()
	}
	return HealthStatusUnhealthy("server not running")
}

func (h *HTTPServerService) Dependencies() []string { return h.deps }

// Scheduler defines the interface expected by SchedulerService.
type Scheduler interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
	IsRunning() bool
}

// SchedulerService adapts a scheduler to the ManagedService interface.
type SchedulerService struct {
	scheduler Scheduler
	name      string
	deps      []string
}

// NewSchedulerService creates a new scheduler service adapter.
func NewSchedulerService(name string, scheduler Scheduler, deps ...string) *SchedulerService {
	return &SchedulerService{scheduler: scheduler, name: name, deps: deps}
}

func (s *SchedulerService) Name() string { return s.name }

func (s *SchedulerService) Start(ctx context.Context) error {
	s.scheduler.Start(ctx)
	return nil
}

func (s *SchedulerService) Stop(ctx context.Context) error {
	return s.scheduler.Stop(ctx)
}

func (s *SchedulerService) Health() HealthStatus {
	if s.scheduler.IsRunning() {
		return HealthStatusHealthy()
	}
	return HealthStatusUnhealthy("scheduler not running")
}

func (s *SchedulerService) Dependencies() []string { return s.deps }

// RunFunc blocks until ctx is done or the work fails.
type RunFunc func(ctx context.Context) error

// BackgroundService runs a blocking function on its own goroutine between
// Start and Stop. The function's context is detached from the Start context.
type BackgroundService struct {
	name string
	run  RunFunc
	deps []string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewBackgroundService creates a service running run in the background.
func NewBackgroundService(name string, run RunFunc, deps ...string) *BackgroundService {
	return &BackgroundService{name: name, run: run, deps: deps}
}

func (b *BackgroundService) Name() string { return b.name }

func (b *BackgroundService) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return errors.New("background service already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	b.cancel, b.done, b.err = cancel, done, nil
	go func() {
		defer close(done)
		err := b.run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.mu.Lock()
			b.err = err
			b.mu.Unlock()
		}
	}()
	return nil
}

func (b *BackgroundService) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BackgroundService) Health() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return HealthStatusUnhealthy(b.err.Error())
	}
	if b.done == nil {
		return HealthStatusUnhealthy("not running")
	}
	select {
	case <-b.done:
		return HealthStatusUnhealthy("exited")
	default:
		return HealthStatusHealthy()
	}
}

func (b *BackgroundService) Dependencies() []string { return b.deps }

// EventSink defines the interface expected by EventSinkService.
type EventSink interface {
	Connected() bool
	Close() error
}

// EventSinkService closes an already connected event sink on Stop.
type EventSinkService struct {
	sink EventSink
	name string
}

// NewEventSinkService creates a new event sink service adapter.
func NewEventSinkService(name string, sink EventSink) *EventSinkService {
	return &EventSinkService{sink: sink, name: name}
}

func (e *EventSinkService) Name() string { return e.name }

func (e *EventSinkService) Start(context.Context) error { return nil }

func (e *EventSinkService) Stop(context.Context) error { return e.sink.Close() }

func (e *EventSinkService) Health() HealthStatus {
	if e.sink.Connected() {
		return HealthStatusHealthy()
	}
	return HealthStatusUnhealthy("event sink disconnected")
}

func (e *EventSinkService) Dependencies() []string { return nil }
