package orchestrator

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/pagebuilder/internal/events"
	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
	"git.home.luguber.info/inful/pagebuilder/internal/metrics"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/queue"
)

// Progress is the externally visible state of a build.
type Progress struct {
	BuildID    string       `json:"buildId"`
	Status     queue.Status `json:"status"`
	Stage      string       `json:"stage,omitempty"`
	Progress   int          `json:"progress"`
	RetryCount int          `json:"retryCount"`
	Error      string       `json:"error,omitempty"`
}

// Enqueue admits cfg for asynchronous execution by ProcessQueue. A terminal
// entry for the same id is replaced; an active one is rejected.
func (o *Orchestrator) Enqueue(cfg *model.BuildConfig, priority queue.Priority) (queue.Item, error) {
	if cfg == nil || cfg.ID == "" {
		return queue.Item{}, ferrors.ValidationError("build id is required").Build()
	}
	if item, ok := o.queue.GetItem(cfg.ID); ok && !item.Status.Active() {
		o.queue.RemoveItem(cfg.ID)
	}
	item, err := o.queue.AddItem(cfg.ID, cfg, priority)
	if err != nil {
		o.recorder.IncBuildOutcome(metrics.OutcomeRejected)
		return queue.Item{}, err
	}

	o.mu.Lock()
	delete(o.results, cfg.ID)
	o.mu.Unlock()

	slog.Info("Build queued", logfields.BuildID(cfg.ID), logfields.BuildType(cfg.Type), logfields.Priority(int(priority)))
	return item, nil
}

// ProcessQueue runs one dispatch round over queued builds and returns how many
// were started. Failed builds are reported to the queue so its retry policy applies.
func (o *Orchestrator) ProcessQueue(ctx context.Context) (int, error) {
	return o.queue.ProcessQueue(ctx, o.handle)
}

// Dispatch starts queued builds in the background and returns how many were
// started. Wait joins them.
func (o *Orchestrator) Dispatch(ctx context.Context) (int, error) {
	return o.queue.Dispatch(ctx, o.handle)
}

// Wait blocks until every build started by Dispatch returned.
func (o *Orchestrator) Wait() {
	o.queue.Wait()
}

func (o *Orchestrator) handle(ctx context.Context, item queue.Item) error {
	if item.Config == nil {
		return ferrors.ValidationError("queued build has no configuration").
			WithContext("build_id", item.BuildID).
			Build()
	}
	if item.RetryCount > 0 {
		slog.Info("Retrying build", logfields.BuildID(item.BuildID), logfields.Retry(item.RetryCount))
	}

	result := o.run(ctx, item.Config, o.clock.Now())
	o.record(result)

	o.mu.Lock()
	o.results[item.BuildID] = result
	o.mu.Unlock()

	if !result.Success {
		return ferrors.BuildError(result.Error).
			WithContext("build_id", item.BuildID).
			WithContext("retry", item.RetryCount).
			Build()
	}
	return nil
}

// Result returns the latest result of a build run through ProcessQueue.
func (o *Orchestrator) Result(buildID string) (*model.BuildResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.results[buildID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// GetBuildProgress reports the queue state of buildID, falling back to the
// stored result of a build that already left the queue.
func (o *Orchestrator) GetBuildProgress(buildID string) (Progress, bool) {
	if item, ok := o.queue.GetItem(buildID); ok {
		return Progress{
			BuildID:    item.BuildID,
			Status:     item.Status,
			Stage:      item.Stage,
			Progress:   item.Progress,
			RetryCount: item.RetryCount,
			Error:      item.Error,
		}, true
	}
	result, ok := o.Result(buildID)
	if !ok {
		return Progress{}, false
	}
	p := Progress{BuildID: buildID, Status: queue.StatusCompleted, Progress: 100, Error: result.Error}
	if !result.Success {
		p.Status = queue.StatusFailed
		p.Progress = 0
	}
	return p, true
}

// CancelBuild drops buildID from the queue, cancels any pending retry and
// removes its workspace. A build that is currently executing finishes its
// current stage; its result is discarded from the queue. It reports whether
// the build was known.
func (o *Orchestrator) CancelBuild(ctx context.Context, buildID string) bool {
	removed := o.queue.RemoveItem(buildID)

	o.mu.Lock()
	_, hadResult := o.results[buildID]
	delete(o.results, buildID)
	o.mu.Unlock()

	o.cleanup(ctx, model.MinimalContext(buildID))
	if !removed && !hadResult {
		return false
	}

	o.recorder.IncBuildOutcome(metrics.OutcomeCanceled)
	o.publish(ctx, o.event(events.KindCancelled, buildID, nil))
	slog.Info("Build cancelled", logfields.BuildID(buildID))
	return true
}

// ClearCompleted drops terminal queue entries and the results of builds no
// longer tracked by the queue.
func (o *Orchestrator) ClearCompleted() int {
	removed := o.queue.ClearCompleted()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.results {
		if _, ok := o.queue.GetItem(id); !ok {
			delete(o.results, id)
		}
	}
	return removed
}

// QueueStats returns the queue counters.
func (o *Orchestrator) QueueStats() queue.Stats {
	return o.queue.GetQueueStats()
}
