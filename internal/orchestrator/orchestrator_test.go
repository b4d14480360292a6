package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pagebuilder/internal/cache"
	"git.home.luguber.info/inful/pagebuilder/internal/config"
	"git.home.luguber.info/inful/pagebuilder/internal/events"
	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/postprocess"
	"git.home.luguber.info/inful/pagebuilder/internal/queue"
	"git.home.luguber.info/inful/pagebuilder/internal/retry"
	"git.home.luguber.info/inful/pagebuilder/internal/strategy"
)

const page = "<!DOCTYPE html><html><head><title>t</title></head><body><p>hi</p></body></html>"

// fakeStrategy writes a one-page artifact per build id without running a compiler.
type fakeStrategy struct {
	root string

	mu           sync.Mutex
	prepared     int
	executed     int
	cleanups     []*model.BuildContext
	failures     int
	prepareErr   error
	panicPrepare bool

	entered chan struct{}
	release chan struct{}
}

func (f *fakeStrategy) Validate(bctx *model.BuildContext) bool {
	return bctx.Config != nil && bctx.Config.Type != ""
}

func (f *fakeStrategy) Hash(bctx *model.BuildContext) (string, error) {
	return strategy.HashConfig(bctx.Config)
}

func (f *fakeStrategy) Prepare(_ context.Context, bctx *model.BuildContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared++
	if f.panicPrepare {
		panic("workspace exploded")
	}
	bctx.Set(model.MetaWorkDir, filepath.Join(f.root, "work", bctx.BuildID))
	return f.prepareErr
}

func (f *fakeStrategy) Execute(_ context.Context, bctx *model.BuildContext, onProgress strategy.ProgressFunc) *model.BuildResult {
	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	f.mu.Lock()
	f.executed++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	onProgress(strategy.Progress{Stage: strategy.StageInitializing, Percent: 0})
	onProgress(strategy.Progress{Stage: strategy.StageBuilding, Percent: 40})
	if fail {
		onProgress(strategy.Progress{Stage: strategy.StageFailed, Percent: 0})
		return &model.BuildResult{BuildID: bctx.BuildID, Error: "compiler exited with status 1"}
	}

	dir := filepath.Join(f.root, "out", bctx.BuildID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return model.Failed(bctx.BuildID, err, 0)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(page), 0o600); err != nil {
		return model.Failed(bctx.BuildID, err, 0)
	}
	onProgress(strategy.Progress{Stage: strategy.StageCompleted, Percent: 100})
	return &model.BuildResult{
		Success:    true,
		BuildID:    bctx.BuildID,
		OutputPath: dir,
		Assets:     &model.AssetManifest{HTML: []string{"index.html"}},
	}
}

func (f *fakeStrategy) Cleanup(_ context.Context, bctx *model.BuildContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, bctx)
	return nil
}

func (f *fakeStrategy) counts() (prepared, executed, cleaned int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepared, f.executed, len(f.cleanups)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type failingProcessor struct{}

func (failingProcessor) Validate(*model.BuildContext) bool { return true }

func (failingProcessor) Process(context.Context, *model.BuildContext, *model.BuildResult) (*model.BuildResult, error) {
	return nil, errors.New("malformed document")
}

type harness struct {
	orch     *Orchestrator
	strategy *fakeStrategy
	store    *cache.Store
	queue    *queue.Queue
	sink     *recordingSink
	clock    *clockwork.FakeClock
}

func newHarness(t *testing.T, registry PostProcessor) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	root := t.TempDir()

	store, err := cache.NewStore(filepath.Join(root, "cache"), cache.Options{MaxAge: time.Hour, Clock: clock})
	require.NoError(t, err)

	q := queue.New(queue.Options{
		MaxConcurrent: 2,
		Policy:        retry.NewPolicy("fixed", 5*time.Second, time.Minute, 2),
		Clock:         clock,
	})
	t.Cleanup(q.Close)

	if registry == nil {
		registry = postprocess.NewDefaultRegistry(postprocess.DefaultsFromConfig(config.PostProcessConfig{}))
	}

	fs := &fakeStrategy{root: root}
	sink := &recordingSink{}
	orch := New(store, q, registry, fs, Options{Events: sink, Clock: clock})
	return &harness{orch: orch, strategy: fs, store: store, queue: q, sink: sink, clock: clock}
}

func landing(id string) *model.BuildConfig {
	return &model.BuildConfig{
		ID:   id,
		Type: model.TypeLanding,
		Meta: &model.PageMeta{Description: "Spring campaign"},
	}
}

func TestBuild_SuccessThenCached(t *testing.T) {
	h := newHarness(t, nil)

	first := h.orch.Build(t.Context(), landing("spring"))
	require.True(t, first.Success, first.Error)
	assert.False(t, first.Cached)
	assert.Equal(t, "spring", first.BuildID)

	data, err := os.ReadFile(filepath.Join(first.OutputPath, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(data), postprocess.DefaultThemeStylesheet)
	assert.Contains(t, string(data), "Spring campaign")

	_, ok := h.queue.GetItem("spring")
	assert.False(t, ok, "synchronous builds leave the queue when done")
	assert.Len(t, h.store.Hashes(), 1)

	second := h.orch.Build(t.Context(), landing("spring"))
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, first.OutputPath, second.OutputPath)
	assert.Equal(t, first.Assets, second.Assets)

	prepared, executed, cleaned := h.strategy.counts()
	assert.Equal(t, 1, prepared)
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, cleaned)

	kinds := h.sink.kinds()
	assert.Contains(t, kinds, events.KindProgress)
	assert.Contains(t, kinds, events.KindCompleted)
	assert.Equal(t, events.KindCacheHit, kinds[len(kinds)-1])
}

func TestBuild_DifferentConfigMisses(t *testing.T) {
	h := newHarness(t, nil)

	require.True(t, h.orch.Build(t.Context(), landing("spring")).Success)
	changed := landing("spring")
	changed.Meta.Description = "Summer campaign"
	res := h.orch.Build(t.Context(), changed)
	require.True(t, res.Success)
	assert.False(t, res.Cached)

	_, executed, _ := h.strategy.counts()
	assert.Equal(t, 2, executed)
}

func TestBuild_RejectsActiveBuild(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.entered = make(chan struct{})
	h.strategy.release = make(chan struct{})

	done := make(chan *model.BuildResult, 1)
	go func() { done <- h.orch.Build(context.Background(), landing("busy")) }()
	<-h.strategy.entered

	rejected := h.orch.Build(t.Context(), landing("busy"))
	assert.False(t, rejected.Success)
	assert.Contains(t, rejected.Error, "already in progress")

	close(h.strategy.release)
	first := <-done
	require.True(t, first.Success, first.Error)

	prepared, executed, _ := h.strategy.counts()
	assert.Equal(t, 1, prepared, "rejected build performs no work")
	assert.Equal(t, 1, executed)
	assert.Contains(t, h.sink.kinds(), events.KindRejected)
}

func TestBuild_RejectsQueuedBuild(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Enqueue(landing("q1"), queue.PriorityNormal)
	require.NoError(t, err)

	res := h.orch.Build(t.Context(), landing("q1"))
	assert.False(t, res.Success)

	item, ok := h.queue.GetItem("q1")
	require.True(t, ok, "rejection leaves the queued item alone")
	assert.Equal(t, queue.StatusQueued, item.Status)
}

func TestBuild_ReplacesTerminalEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.failures = 1
	_, err := h.orch.Enqueue(landing("again"), queue.PriorityNormal)
	require.NoError(t, err)
	n, err := h.orch.ProcessQueue(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	item, _ := h.queue.GetItem("again")
	require.Equal(t, queue.StatusFailed, item.Status)

	res := h.orch.Build(t.Context(), landing("again"))
	require.True(t, res.Success, res.Error)
	_, ok := h.queue.GetItem("again")
	assert.False(t, ok)
}

func TestBuild_KeepsEntryQueuedAfterCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.entered = make(chan struct{})
	h.strategy.release = make(chan struct{})

	done := make(chan *model.BuildResult, 1)
	go func() { done <- h.orch.Build(context.Background(), landing("x")) }()
	<-h.strategy.entered

	require.True(t, h.orch.CancelBuild(t.Context(), "x"))
	_, err := h.orch.Enqueue(landing("x"), queue.PriorityHigh)
	require.NoError(t, err)

	close(h.strategy.release)
	<-done

	item, ok := h.queue.GetItem("x")
	require.True(t, ok, "the returning synchronous build leaves the new entry alone")
	assert.Equal(t, queue.StatusQueued, item.Status)
}

func TestBuild_ExecutionFailureIsNotCached(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.failures = 1

	res := h.orch.Build(t.Context(), landing("broken"))
	assert.False(t, res.Success)
	assert.Equal(t, "compiler exited with status 1", res.Error)
	assert.Empty(t, h.store.Hashes())

	_, _, cleaned := h.strategy.counts()
	assert.Equal(t, 1, cleaned)

	retried := h.orch.Build(t.Context(), landing("broken"))
	require.True(t, retried.Success)
	assert.False(t, retried.Cached)
}

func TestBuild_PostProcessFailure(t *testing.T) {
	reg := postprocess.NewRegistry()
	reg.Register(model.TypeLanding, failingProcessor{})
	h := newHarness(t, reg)

	res := h.orch.Build(t.Context(), landing("pp"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "malformed document")
	assert.Empty(t, h.store.Hashes())

	h.strategy.mu.Lock()
	defer h.strategy.mu.Unlock()
	require.Len(t, h.strategy.cleanups, 1)
	assert.Empty(t, h.strategy.cleanups[0].String(model.MetaWorkDir), "unwind cleans up with a minimal context")
	assert.Equal(t, "pp", h.strategy.cleanups[0].BuildID)
}

func TestBuild_UnknownTypeFails(t *testing.T) {
	h := newHarness(t, postprocess.NewRegistry())

	res := h.orch.Build(t.Context(), landing("nobody"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no strategy")
}

func TestBuild_ValidationFailure(t *testing.T) {
	h := newHarness(t, nil)

	res := h.orch.Build(t.Context(), &model.BuildConfig{ID: "untyped"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "validation")

	prepared, _, _ := h.strategy.counts()
	assert.Zero(t, prepared)

	assert.False(t, h.orch.Build(t.Context(), nil).Success)
	assert.False(t, h.orch.Build(t.Context(), &model.BuildConfig{}).Success)
}

func TestBuild_RecoversPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.panicPrepare = true

	res := h.orch.Build(t.Context(), landing("panicky"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "workspace exploded")

	_, ok := h.queue.GetItem("panicky")
	assert.False(t, ok)
}

func TestBuild_PrepareError(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.prepareErr = ferrors.FileSystemError("project directory missing").Build()

	res := h.orch.Build(t.Context(), landing("noproject"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "project directory missing")

	_, executed, cleaned := h.strategy.counts()
	assert.Zero(t, executed)
	assert.Equal(t, 1, cleaned)
}

func TestProcessQueue_RetriesFailedBuild(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.failures = 1

	_, err := h.orch.Enqueue(landing("flaky"), queue.PriorityHigh)
	require.NoError(t, err)

	n, err := h.orch.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, ok := h.orch.GetBuildProgress("flaky")
	require.True(t, ok)
	assert.Equal(t, queue.StatusFailed, p.Status)
	res, ok := h.orch.Result("flaky")
	require.True(t, ok)
	assert.False(t, res.Success)

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		item, ok := h.queue.GetItem("flaky")
		return ok && item.Status == queue.StatusQueued
	}, time.Second, 5*time.Millisecond)

	n, err = h.orch.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, ok = h.orch.GetBuildProgress("flaky")
	require.True(t, ok)
	assert.Equal(t, queue.StatusCompleted, p.Status)
	assert.Equal(t, 100, p.Progress)
	assert.Equal(t, 1, p.RetryCount)

	res, ok = h.orch.Result("flaky")
	require.True(t, ok)
	assert.True(t, res.Success)
}

func TestGetBuildProgress_AfterClear(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Enqueue(landing("done"), queue.PriorityNormal)
	require.NoError(t, err)
	_, err = h.orch.ProcessQueue(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, h.orch.ClearCompleted())
	_, ok := h.orch.GetBuildProgress("done")
	assert.False(t, ok, "results of cleared builds are dropped")

	_, ok = h.orch.GetBuildProgress("unknown")
	assert.False(t, ok)
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Enqueue(nil, queue.PriorityNormal)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))

	_, err = h.orch.Enqueue(landing("e1"), queue.PriorityNormal)
	require.NoError(t, err)
	_, err = h.orch.Enqueue(landing("e1"), queue.PriorityNormal)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryAlreadyExists))

	assert.Equal(t, 1, h.orch.QueueStats().Queued)
}

func TestCancelBuild(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Enqueue(landing("c1"), queue.PriorityLow)
	require.NoError(t, err)

	assert.True(t, h.orch.CancelBuild(t.Context(), "c1"))
	_, ok := h.queue.GetItem("c1")
	assert.False(t, ok)
	assert.Contains(t, h.sink.kinds(), events.KindCancelled)

	_, _, cleaned := h.strategy.counts()
	assert.Equal(t, 1, cleaned)

	assert.False(t, h.orch.CancelBuild(t.Context(), "c1"))
}
