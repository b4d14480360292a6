// Package daemon wires the build service components together and runs them
// as a long-lived process.
package daemon

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/pagebuilder/internal/cache"
	"git.home.luguber.info/inful/pagebuilder/internal/config"
	"git.home.luguber.info/inful/pagebuilder/internal/events"
	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
	"git.home.luguber.info/inful/pagebuilder/internal/metrics"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/orchestrator"
	"git.home.luguber.info/inful/pagebuilder/internal/postprocess"
	"git.home.luguber.info/inful/pagebuilder/internal/queue"
	"git.home.luguber.info/inful/pagebuilder/internal/retry"
	"git.home.luguber.info/inful/pagebuilder/internal/strategy"
	"git.home.luguber.info/inful/pagebuilder/internal/workspace"
)

// Options overrides collaborators that are otherwise derived from config.
type Options struct {
	// Runner executes the compiler; defaults to running the binary.
	Runner strategy.CommandRunner
	Clock  clockwork.Clock
	// EventPublisher replaces the NATS connection dialed from Events.NATSURL.
	EventPublisher events.Publisher
}

// Runtime holds the build pipeline components shared by the CLI commands and
// the daemon.
type Runtime struct {
	Config       *config.Config
	Registry     *prom.Registry
	Recorder     metrics.Recorder
	Cache        *cache.Store
	Queue        *queue.Queue
	PostProcess  *postprocess.Registry
	Workspaces   *workspace.Manager
	Strategy     *strategy.CompilerStrategy
	Events       events.Sink
	Orchestrator *orchestrator.Orchestrator
	Pump         *Pump

	nats *events.NATSSink
}

// NewRuntime builds the pipeline described by cfg. Close releases it.
func NewRuntime(cfg *config.Config, opts Options) (*Runtime, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	rt := &Runtime{
		Config:   cfg,
		Registry: metrics.NewRegistry(),
	}
	rt.Recorder = metrics.NewPrometheusRecorder(rt.Registry)

	store, err := cache.NewStore(cfg.Paths.CacheDir, cache.Options{
		MaxAge: cfg.CacheMaxAge(),
		Clock:  opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	rt.Cache = store

	sinks := events.Multi{events.NewLogSink(slog.Default())}
	switch {
	case opts.EventPublisher != nil:
		rt.nats = events.NewNATSSink(opts.EventPublisher, cfg.Events.Subject)
		sinks = append(sinks, rt.nats)
	case cfg.Events.NATSURL != "":
		sink, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			return nil, err
		}
		rt.nats = sink
		sinks = append(sinks, sink)
	}
	rt.Events = sinks

	rt.Queue = queue.New(queue.Options{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		Policy:        retry.FromConfig(cfg.Queue),
		Clock:         opts.Clock,
		Recorder:      rt.Recorder,
		OnRequeue: func(buildID string) {
			slog.Debug("Build requeued for retry", logfields.BuildID(buildID))
			rt.Pump.Trigger()
		},
		OnFinish: func(string) { rt.Pump.Trigger() },
	})

	rt.PostProcess = postprocess.NewDefaultRegistry(postprocess.DefaultsFromConfig(cfg.PostProcess))
	rt.Workspaces = workspace.NewManager(cfg.Paths.WorkspaceDir)
	rt.Strategy = strategy.NewCompilerStrategy(strategy.CompilerOptions{
		ProjectDir: cfg.Paths.ProjectDir,
		OutputRoot: cfg.Paths.OutputDir,
		Compiler:   cfg.Compiler,
		Workspaces: rt.Workspaces,
		Types:      rt.PostProcess,
		Runner:     opts.Runner,
		Recorder:   rt.Recorder,
		Clock:      opts.Clock,
	})

	rt.Orchestrator = orchestrator.New(rt.Cache, rt.Queue, rt.PostProcess, rt.Strategy, orchestrator.Options{
		Recorder: rt.Recorder,
		Events:   rt.Events,
		Clock:    opts.Clock,
	})
	rt.Pump = NewPump(rt.Orchestrator.Dispatch, rt.Orchestrator.Wait)
	return rt, nil
}

// Builder returns the orchestrator surface used by the API. Enqueued builds
// trigger the queue pump.
func (rt *Runtime) Builder() *Builder {
	return &Builder{Orchestrator: rt.Orchestrator, pump: rt.Pump}
}

// EventSink returns the NATS sink, or nil when none is configured.
func (rt *Runtime) EventSink() *events.NATSSink {
	return rt.nats
}

// Close stops pending retry timers and closes the event connection.
func (rt *Runtime) Close() error {
	rt.Queue.Close()
	if rt.nats != nil {
		return rt.nats.Close()
	}
	return nil
}

// Drain runs queued builds batch by batch until the queue has nothing
// dispatchable.
func (rt *Runtime) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := rt.Orchestrator.ProcessQueue(ctx)
		if err != nil {
			slog.Error("Queue processing failed", logfields.Error(err))
			return
		}
		if n == 0 {
			return
		}
	}
}

// Builder is an orchestrator whose Enqueue wakes the queue pump.
type Builder struct {
	*orchestrator.Orchestrator
	pump *Pump
}

// Enqueue admits cfg and triggers a drain.
func (b *Builder) Enqueue(cfg *model.BuildConfig, priority queue.Priority) (queue.Item, error) {
	item, err := b.Orchestrator.Enqueue(cfg, priority)
	if err != nil {
		return item, err
	}
	b.pump.Trigger()
	return item, nil
}
