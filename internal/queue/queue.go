// Package queue models admission, ordering and retry bookkeeping for builds.
//
// The queue never runs a build itself. ProcessQueue selects queued items and
// hands each one to a Handler supplied by the owner; the handler's return value
// drives the item's state machine:
//
//	queued -> processing -> completed
//	                     -> failed -> (after the retry delay) queued
//	                     -> failed (permanently, retries exhausted)
package queue

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
	"git.home.luguber.info/inful/pagebuilder/internal/metrics"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/retry"
)

// Priority orders queued items; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts a priority name or its numeric value. The empty string
// is PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "2":
		return PriorityNormal, nil
	case "low", "1":
		return PriorityLow, nil
	case "high", "3":
		return PriorityHigh, nil
	case "urgent", "4":
		return PriorityUrgent, nil
	}
	return 0, ferrors.ValidationError(fmt.Sprintf("unknown priority %q", s)).
		WithContext("allowed", "low, normal, high, urgent").
		Build()
}

// Status is the state of a queue item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Active reports whether the status blocks a new build for the same id.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Item is the admission/retry record for one build id.
type Item struct {
	BuildID    string             `json:"buildId"`
	Priority   Priority           `json:"priority"`
	Config     *model.BuildConfig `json:"config,omitempty"`
	Status     Status             `json:"status"`
	Progress   int                `json:"progress"`
	Stage      string             `json:"stage,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	RetryCount int                `json:"retryCount"`
	Error      string             `json:"error,omitempty"`

	seq          uint64
	retryPending bool
}

// BuildType returns the build type of the item's config, or "".
func (i Item) BuildType() string {
	if i.Config == nil {
		return ""
	}
	return i.Config.Type
}

// Stats counts items per status.
type Stats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Handler performs the work for one dispatched item. A non-nil error marks the
// item failed and subjects it to the retry policy.
type Handler func(ctx context.Context, item Item) error

// Options configures a Queue.
type Options struct {
	MaxConcurrent int
	Policy        retry.Policy
	Clock         clockwork.Clock
	Recorder      metrics.Recorder
	// OnRequeue is invoked (outside the lock) after a failed item returns to queued.
	OnRequeue func(buildID string)
	// OnFinish is invoked (outside the lock) after a dispatched item's outcome
	// was recorded, freeing its slot.
	OnFinish func(buildID string)
}

// Queue holds at most one item per build id.
type Queue struct {
	mu            sync.Mutex
	items         map[string]*Item
	timers        map[string]clockwork.Timer
	seq           uint64
	maxConcurrent int
	policy        retry.Policy
	clock         clockwork.Clock
	recorder      metrics.Recorder
	onRequeue     func(string)
	onFinish      func(string)
	inflight      sync.WaitGroup
}

// New creates a queue. Zero options fall back to defaults.
func New(opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Policy.Initial <= 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	return &Queue{
		items:         make(map[string]*Item),
		timers:        make(map[string]clockwork.Timer),
		maxConcurrent: opts.MaxConcurrent,
		policy:        opts.Policy,
		clock:         opts.Clock,
		recorder:      opts.Recorder,
		onRequeue:     opts.OnRequeue,
		onFinish:      opts.OnFinish,
	}
}

// MaxConcurrent returns the processing bound.
func (q *Queue) MaxConcurrent() int {
	return q.maxConcurrent
}

// Policy returns the retry policy.
func (q *Queue) Policy() retry.Policy {
	return q.policy
}

// AddItem admits buildID in status queued. It fails when any item for buildID
// already exists.
func (q *Queue) AddItem(buildID string, cfg *model.BuildConfig, priority Priority) (Item, error) {
	return q.add(buildID, cfg, priority, StatusQueued)
}

// Claim admits buildID directly in status processing, for callers that run the
// build themselves instead of going through ProcessQueue.
func (q *Queue) Claim(buildID string, cfg *model.BuildConfig) (Item, error) {
	return q.add(buildID, cfg, PriorityNormal, StatusProcessing)
}

func (q *Queue) add(buildID string, cfg *model.BuildConfig, priority Priority, status Status) (Item, error) {
	if buildID == "" {
		return Item{}, ferrors.ValidationError("build id is required").Build()
	}
	if priority < PriorityLow || priority > PriorityUrgent {
		priority = PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.items[buildID]; ok {
		return Item{}, ferrors.AlreadyExistsError(fmt.Sprintf("build %s is already queued", buildID)).
			WithContext("build_id", buildID).
			WithContext("status", string(existing.Status)).
			Build()
	}
	q.seq++
	item := &Item{
		BuildID:   buildID,
		Priority:  priority,
		Config:    cfg,
		Status:    status,
		Timestamp: q.clock.Now(),
		seq:       q.seq,
	}
	q.items[buildID] = item
	q.reportDepthLocked()

	slog.Debug("Build admitted", logfields.BuildID(buildID), logfields.Priority(int(priority)), logfields.Status(string(status)))
	return *item, nil
}

// GetItem returns a snapshot of the item for buildID.
func (q *Queue) GetItem(buildID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[buildID]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// UpdateProgress records the current stage and percentage of buildID.
func (q *Queue) UpdateProgress(buildID, stage string, progress int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[buildID]
	if !ok {
		return false
	}
	item.Stage = stage
	item.Progress = progress
	return true
}

// RemoveItem drops buildID and any pending retry for it.
func (q *Queue) RemoveItem(buildID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopTimerLocked(buildID)
	if _, ok := q.items[buildID]; !ok {
		return false
	}
	delete(q.items, buildID)
	q.reportDepthLocked()
	return true
}

// Release drops an item admitted with Claim once its build returned. The item is
// only removed while it is still the admission claim refers to, so an entry
// re-admitted after a cancel survives. It reports whether anything was removed.
func (q *Queue) Release(claim Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[claim.BuildID]
	if !ok || item.seq != claim.seq {
		return false
	}
	q.stopTimerLocked(claim.BuildID)
	delete(q.items, claim.BuildID)
	q.reportDepthLocked()
	return true
}

// ProcessQueue dispatches queued items to h, highest priority first, without
// exceeding MaxConcurrent processing items. It blocks until every dispatched
// handler returned and reports how many were dispatched.
func (q *Queue) ProcessQueue(ctx context.Context, h Handler) (int, error) {
	batch, err := q.claimBatch(ctx, h)
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	var g errgroup.Group
	for _, item := range batch {
		g.Go(func() error {
			q.run(ctx, h, item)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

// Dispatch is ProcessQueue without the wait: handlers run in the background
// and each finished one frees its slot for the next Dispatch. Use OnFinish to
// learn when that happens and Wait to join the running handlers.
func (q *Queue) Dispatch(ctx context.Context, h Handler) (int, error) {
	batch, err := q.claimBatch(ctx, h)
	if err != nil || len(batch) == 0 {
		return 0, err
	}
	q.inflight.Add(len(batch))
	for _, item := range batch {
		go func() {
			defer q.inflight.Done()
			q.run(ctx, h, item)
		}()
	}
	return len(batch), nil
}

// Wait blocks until every handler started by Dispatch returned.
func (q *Queue) Wait() {
	q.inflight.Wait()
}

func (q *Queue) claimBatch(ctx context.Context, h Handler) ([]Item, error) {
	if h == nil {
		return nil, ferrors.InternalError("queue handler is required").Build()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.selectBatch(), nil
}

func (q *Queue) run(ctx context.Context, h Handler, item Item) {
	q.finish(item.BuildID, runHandler(ctx, h, item))
	if q.onFinish != nil {
		q.onFinish(item.BuildID)
	}
}

// selectBatch marks up to the free capacity of queued items as processing and
// returns snapshots of them.
func (q *Queue) selectBatch() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	processing := 0
	queued := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		switch item.Status {
		case StatusProcessing:
			processing++
		case StatusQueued:
			queued = append(queued, item)
		case StatusCompleted, StatusFailed:
		}
	}
	free := q.maxConcurrent - processing
	if free <= 0 || len(queued) == 0 {
		return nil
	}

	slices.SortStableFunc(queued, func(a, b *Item) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	if len(queued) > free {
		queued = queued[:free]
	}

	batch := make([]Item, 0, len(queued))
	for _, item := range queued {
		item.Status = StatusProcessing
		item.Progress = 0
		item.Stage = ""
		batch = append(batch, *item)
	}
	q.reportDepthLocked()
	return batch
}

func runHandler(ctx context.Context, h Handler, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Queue handler panic recovered",
				logfields.BuildID(item.BuildID),
				slog.Any("panic", r),
				slog.String("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, item)
}

// finish applies the handler outcome to buildID. Items removed while the
// handler ran stay removed.
func (q *Queue) finish(buildID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[buildID]
	if !ok || item.Status != StatusProcessing {
		return
	}
	if err == nil {
		item.Status = StatusCompleted
		item.Error = ""
		q.reportDepthLocked()
		return
	}

	item.Status = StatusFailed
	item.Error = err.Error()
	defer q.reportDepthLocked()

	if q.policy.Exhausted(item.RetryCount) {
		if item.RetryCount > 0 {
			q.recorder.IncBuildRetryExhausted(item.BuildType())
		}
		slog.Warn("Build failed permanently",
			logfields.BuildID(buildID), logfields.Retry(item.RetryCount), logfields.Error(err))
		return
	}

	delay := q.policy.Delay(item.RetryCount + 1)
	item.retryPending = true
	q.recorder.IncBuildRetry(item.BuildType())
	slog.Warn("Build failed, scheduling retry",
		logfields.BuildID(buildID),
		logfields.Retry(item.RetryCount+1),
		slog.Int("max_retries", q.policy.MaxRetries),
		slog.Duration("delay", delay),
		logfields.Error(err))

	q.stopTimerLocked(buildID)
	q.timers[buildID] = q.clock.AfterFunc(delay, func() { q.requeue(buildID) })
}

func (q *Queue) requeue(buildID string) {
	q.mu.Lock()
	delete(q.timers, buildID)
	item, ok := q.items[buildID]
	if !ok || item.Status != StatusFailed || !item.retryPending {
		q.mu.Unlock()
		return
	}
	item.retryPending = false
	item.RetryCount++
	item.Status = StatusQueued
	item.Progress = 0
	item.Stage = ""
	retries := item.RetryCount
	q.reportDepthLocked()
	hook := q.onRequeue
	q.mu.Unlock()

	slog.Info("Build requeued for retry", logfields.BuildID(buildID), logfields.Retry(retries))
	if hook != nil {
		hook(buildID)
	}
}

// GetQueueStats counts items per status.
func (q *Queue) GetQueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	s := Stats{Total: len(q.items)}
	for _, item := range q.items {
		switch item.Status {
		case StatusQueued:
			s.Queued++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// ClearCompleted drops completed items and failed items with no retry pending.
// It returns the number removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, item := range q.items {
		if item.Status == StatusCompleted || (item.Status == StatusFailed && !item.retryPending) {
			delete(q.items, id)
			removed++
		}
	}
	if removed > 0 {
		q.reportDepthLocked()
	}
	return removed
}

// Close stops pending retry timers. Items keep their current status.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.timers {
		q.stopTimerLocked(id)
		if item, ok := q.items[id]; ok {
			item.retryPending = false
		}
	}
}

func (q *Queue) stopTimerLocked(buildID string) {
	if t, ok := q.timers[buildID]; ok {
		t.Stop()
		delete(q.timers, buildID)
	}
}

func (q *Queue) reportDepthLocked() {
	s := q.statsLocked()
	q.recorder.SetQueueDepth(string(StatusQueued), s.Queued)
	q.recorder.SetQueueDepth(string(StatusProcessing), s.Processing)
	q.recorder.SetQueueDepth(string(StatusCompleted), s.Completed)
	q.recorder.SetQueueDepth(string(StatusFailed), s.Failed)
}
