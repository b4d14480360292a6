package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/pagebuilder/internal/config"
	"git.home.luguber.info/inful/pagebuilder/internal/metrics"
	"git.home.luguber.info/inful/pagebuilder/internal/server/httpserver"
	"git.home.luguber.info/inful/pagebuilder/internal/services"
)

// Service names registered with the lifecycle manager.
const (
	ServiceEvents       = "events"
	ServiceQueuePump    = "queue-pump"
	ServiceCacheWatcher = "cache-watcher"
	ServiceScheduler    = "scheduler"
	ServiceHTTP         = "http"
)

// DefaultShutdownTimeout bounds Run's graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Daemon serves the build API and runs the periodic maintenance jobs.
type Daemon struct {
	cfg       *config.Config
	rt        *Runtime
	lifecycle *services.Lifecycle
	scheduler *Scheduler
	server    *httpserver.Server
	startTime time.Time
}

// New wires a daemon from cfg.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	rt, err := NewRuntime(cfg, opts)
	if err != nil {
		return nil, err
	}
	d, err := newDaemon(cfg, rt)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(cfg *config.Config, rt *Runtime) (*Daemon, error) {
	d := &Daemon{
		cfg:       cfg,
		rt:        rt,
		lifecycle: services.NewLifecycle(),
		startTime: time.Now(),
	}

	sched, err := NewScheduler()
	if err != nil {
		return nil, err
	}
	d.scheduler = sched
	if err := d.scheduleJobs(); err != nil {
		_ = sched.Stop(context.Background())
		return nil, err
	}

	d.server = httpserver.New(cfg.HTTP, httpserver.Options{
		Builder:           rt.Builder(),
		Cache:             rt.Cache,
		MaxConcurrent:     rt.Queue.MaxConcurrent(),
		PrometheusHandler: metrics.HTTPHandler(rt.Registry),
		Services:          d.lifecycle,
		StartTime:         d.startTime,
	})

	if err := d.registerServices(); err != nil {
		_ = sched.Stop(context.Background())
		return nil, err
	}
	return d, nil
}

func (d *Daemon) scheduleJobs() error {
	sweep := d.cfg.CacheSweepInterval()
	if _, err := d.scheduler.ScheduleEvery("cache-sweep", sweep, func() {
		if n := d.rt.Cache.Cleanup(); n > 0 {
			slog.Info("Expired cache entries removed", slog.Int("entries", n))
		}
	}); err != nil {
		return err
	}
	if _, err := d.scheduler.ScheduleEvery("queue-clear", sweep, func() {
		if n := d.rt.Orchestrator.ClearCompleted(); n > 0 {
			slog.Info("Finished builds cleared from queue", slog.Int("builds", n))
		}
	}); err != nil {
		return err
	}
	_, err := d.scheduler.ScheduleEvery("queue-pump", d.cfg.QueuePumpInterval(), d.rt.Pump.Trigger)
	return err
}

func (d *Daemon) registerServices() error {
	var deps []string
	if sink := d.rt.EventSink(); sink != nil {
		if err := d.lifecycle.Register(services.NewEventSinkService(ServiceEvents, sink)); err != nil {
			return err
		}
		deps = append(deps, ServiceEvents)
	}

	if err := d.lifecycle.Register(services.NewBackgroundService(ServiceQueuePump, d.rt.Pump.Run, deps...)); err != nil {
		return err
	}
	if d.cfg.Cache.Watch {
		watch := func(ctx context.Context) error {
			return d.rt.Cache.Watch(ctx, d.cfg.Paths.OutputDir)
		}
		if err := d.lifecycle.Register(services.NewBackgroundService(ServiceCacheWatcher, watch)); err != nil {
			return err
		}
	}
	if err := d.lifecycle.Register(services.NewSchedulerService(ServiceScheduler, d.scheduler, ServiceQueuePump)); err != nil {
		return err
	}
	return d.lifecycle.Register(services.NewHTTPServerService(ServiceHTTP, d.server, ServiceQueuePump, ServiceScheduler))
}

// Start starts every service. On failure the services already started are
// stopped again.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("Starting daemon", slog.String("addr", d.cfg.HTTP.Addr))
	if err := d.lifecycle.StartAll(ctx); err != nil {
		return err
	}
	// Builds left queued by an earlier Enqueue are picked up immediately.
	d.rt.Pump.Trigger()
	return nil
}

// Stop stops every service in reverse order and releases the runtime.
func (d *Daemon) Stop(ctx context.Context) error {
	slog.Info("Stopping daemon")
	err := d.lifecycle.StopAll(ctx)
	return errors.Join(err, d.rt.Close())
}

// Run starts the daemon, blocks until ctx is done and then shuts down within
// DefaultShutdownTimeout.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		_ = d.rt.Close()
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Addr returns the bound API address once started.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// Runtime exposes the wired pipeline.
func (d *Daemon) Runtime() *Runtime {
	return d.rt
}

// Services returns the state of the managed services.
func (d *Daemon) Services() []services.ServiceInfo {
	return d.lifecycle.AllInfo()
}
