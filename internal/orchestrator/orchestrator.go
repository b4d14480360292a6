// Package orchestrator composes admission, cache lookup, strategy execution,
// post-processing and cache population into one build pipeline.
//
// Build never returns an error value: every failure, including panics inside
// the pipeline, is reported as a BuildResult with Success false.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pagebuilder/internal/cache"
	"git.home.luguber.info/inful/pagebuilder/internal/events"
	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
	"git.home.luguber.info/inful/pagebuilder/internal/metrics"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/queue"
	"git.home.luguber.info/inful/pagebuilder/internal/strategy"
)

// Cache is the part of cache.Store used by the orchestrator.
type Cache interface {
	Get(hash string) *cache.Entry
	Set(hash string, entry *cache.Entry) error
}

// PostProcessor dispatches a successful result to the processor of its type.
type PostProcessor interface {
	Process(ctx context.Context, buildType string, bctx *model.BuildContext, result *model.BuildResult) (*model.BuildResult, error)
}

// Options carries the optional collaborators.
type Options struct {
	Recorder metrics.Recorder
	Events   events.Sink
	Clock    clockwork.Clock
}

// Orchestrator runs builds. It is safe for concurrent use.
type Orchestrator struct {
	cache    Cache
	queue    *queue.Queue
	registry PostProcessor
	strategy strategy.Strategy
	recorder metrics.Recorder
	events   events.Sink
	clock    clockwork.Clock

	mu      sync.Mutex
	results map[string]*model.BuildResult
}

// New wires an orchestrator from its collaborators.
func New(c Cache, q *queue.Queue, registry PostProcessor, s strategy.Strategy, opts Options) *Orchestrator {
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		cache:    c,
		queue:    q,
		registry: registry,
		strategy: s,
		recorder: opts.Recorder,
		events:   opts.Events,
		clock:    opts.Clock,
		results:  make(map[string]*model.BuildResult),
	}
}

// Build runs one build synchronously. A build whose id is already queued or
// processing is rejected before any filesystem work.
func (o *Orchestrator) Build(ctx context.Context, cfg *model.BuildConfig) *model.BuildResult {
	start := o.clock.Now()
	if cfg == nil || cfg.ID == "" {
		err := ferrors.ValidationError("build id is required").Build()
		o.recorder.IncBuildOutcome(metrics.OutcomeFailed)
		return model.Failed("", err, o.clock.Since(start))
	}
	id := cfg.ID

	if item, ok := o.queue.GetItem(id); ok {
		if item.Status.Active() {
			return o.reject(ctx, id, item.Status, start)
		}
		o.queue.RemoveItem(id)
	}
	claim, err := o.queue.Claim(id, cfg)
	if err != nil {
		return o.reject(ctx, id, queue.StatusProcessing, start)
	}
	defer o.queue.Release(claim)

	result := o.run(ctx, cfg, start)
	o.record(result)
	return result
}

func (o *Orchestrator) reject(ctx context.Context, id string, status queue.Status, start time.Time) *model.BuildResult {
	err := ferrors.AlreadyExistsError(fmt.Sprintf("build %s is already in progress", id)).
		WithContext("build_id", id).
		WithContext("status", string(status)).
		Build()
	slog.Warn("Build rejected: already in progress", logfields.BuildID(id), logfields.Status(string(status)))
	o.recorder.IncBuildOutcome(metrics.OutcomeRejected)
	o.publish(ctx, o.event(events.KindRejected, id, err))
	return model.Failed(id, err, o.clock.Since(start))
}

// run executes the pipeline and converts errors and panics into failed results.
func (o *Orchestrator) run(ctx context.Context, cfg *model.BuildConfig, start time.Time) (result *model.BuildResult) {
	id := cfg.ID
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Build pipeline panic recovered",
				logfields.BuildID(id),
				slog.Any("panic", rec),
				slog.String("stack_trace", string(debug.Stack())))
			err := ferrors.InternalError(fmt.Sprintf("build pipeline panic: %v", rec)).Build()
			result = o.unwind(ctx, id, err, start)
		}
	}()

	o.publish(ctx, o.event(events.KindStarted, id, nil))
	bctx := model.NewBuildContext(cfg, start)
	result, err := o.pipeline(ctx, bctx)
	if err != nil {
		return o.unwind(ctx, id, err, start)
	}
	return result
}

func (o *Orchestrator) pipeline(ctx context.Context, bctx *model.BuildContext) (*model.BuildResult, error) {
	id := bctx.BuildID
	cfg := bctx.Config

	if !o.strategy.Validate(bctx) {
		return nil, ferrors.ValidationError("build configuration failed validation").
			WithContext("build_id", id).
			WithContext("build_type", cfg.Type).
			Build()
	}

	hash, err := o.strategy.Hash(bctx)
	if err != nil {
		return nil, err
	}
	bctx.Set(model.MetaHash, hash)

	if entry := o.cache.Get(hash); entry != nil && entry.Result != nil {
		o.recorder.IncCacheLookup(true)
		cached := entry.Result.Clone()
		cached.Cached = true
		slog.Info("Build served from cache", logfields.BuildID(id), logfields.Hash(hash))
		o.publish(ctx, o.event(events.KindCacheHit, id, nil))
		return cached, nil
	}
	o.recorder.IncCacheLookup(false)

	if err := o.strategy.Prepare(ctx, bctx); err != nil {
		return nil, err
	}

	executed := o.strategy.Execute(ctx, bctx, o.progressFunc(ctx, id))
	if executed == nil {
		return nil, ferrors.InternalError("strategy returned no result").Build()
	}
	if !executed.Success {
		o.cleanup(ctx, bctx)
		ev := o.event(events.KindFailed, id, nil)
		ev.Error = executed.Error
		o.publish(ctx, ev)
		return executed, nil
	}

	processed, err := o.registry.Process(ctx, cfg.Type, bctx, executed)
	if err != nil {
		return nil, err
	}
	final := merge(executed, processed)
	final.BuildID = id
	final.Duration = o.clock.Since(bctx.StartTime)

	if err := o.cache.Set(hash, &cache.Entry{BuildID: id, Result: final, Hash: hash}); err != nil {
		slog.Warn("Failed to cache build result", logfields.BuildID(id), logfields.Hash(hash), logfields.Error(err))
	}

	o.cleanup(ctx, bctx)
	o.publish(ctx, o.event(events.KindCompleted, id, nil))
	slog.Info("Build completed",
		logfields.BuildID(id),
		logfields.BuildType(cfg.Type),
		logfields.Hash(hash),
		logfields.DurationMS(float64(final.Duration)/float64(time.Millisecond)))
	return final, nil
}

// merge overlays the post-processed result on the executed one.
func merge(executed, processed *model.BuildResult) *model.BuildResult {
	if processed == nil {
		return executed.Clone()
	}
	final := processed.Clone()
	final.Success = true
	final.Cached = false
	if final.OutputPath == "" {
		final.OutputPath = executed.OutputPath
	}
	if final.Assets == nil {
		final.Assets = executed.Assets.Clone()
	}
	if final.Metrics == nil && executed.Metrics != nil {
		m := *executed.Metrics
		final.Metrics = &m
	}
	return final
}

// unwind cleans up with a fresh minimal context and reports err as a failed result.
func (o *Orchestrator) unwind(ctx context.Context, id string, err error, start time.Time) *model.BuildResult {
	slog.Error("Build failed", logfields.BuildID(id), logfields.Error(err))
	o.cleanup(ctx, model.MinimalContext(id))
	o.publish(ctx, o.event(events.KindFailed, id, err))
	return model.Failed(id, err, o.clock.Since(start))
}

// cleanup is best effort; errors are logged and never propagated.
func (o *Orchestrator) cleanup(ctx context.Context, bctx *model.BuildContext) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Cleanup panic recovered", logfields.BuildID(bctx.BuildID), slog.Any("panic", rec))
		}
	}()
	if err := o.strategy.Cleanup(context.WithoutCancel(ctx), bctx); err != nil {
		slog.Warn("Build cleanup failed", logfields.BuildID(bctx.BuildID), logfields.Error(err))
	}
}

func (o *Orchestrator) progressFunc(ctx context.Context, id string) strategy.ProgressFunc {
	return func(p strategy.Progress) {
		o.queue.UpdateProgress(id, string(p.Stage), p.Percent)
		ev := o.event(events.KindProgress, id, nil)
		ev.Stage = string(p.Stage)
		ev.Progress = p.Percent
		o.publish(ctx, ev)
	}
}

func (o *Orchestrator) event(kind events.Kind, id string, err error) events.Event {
	ev := events.New(kind, id, o.clock.Now())
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// publish is fire-and-forget: sink errors are logged.
func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if err := o.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		slog.Warn("Failed to publish build event",
			logfields.BuildID(ev.BuildID), slog.String("event", string(ev.Kind)), logfields.Error(err))
	}
}

func (o *Orchestrator) record(result *model.BuildResult) {
	o.recorder.ObserveBuildDuration(result.Duration)
	switch {
	case result.Cached:
		o.recorder.IncBuildOutcome(metrics.OutcomeCached)
	case result.Success:
		o.recorder.IncBuildOutcome(metrics.OutcomeSuccess)
	default:
		o.recorder.IncBuildOutcome(metrics.OutcomeFailed)
	}
}
