package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pagebuilder/internal/cache"
	"git.home.luguber.info/inful/pagebuilder/internal/config"
	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/orchestrator"
	"git.home.luguber.info/inful/pagebuilder/internal/queue"
	"git.home.luguber.info/inful/pagebuilder/internal/server/responses"
	"git.home.luguber.info/inful/pagebuilder/internal/services"
)

type stubBuilder struct {
	mu       sync.Mutex
	result   *model.BuildResult
	progress map[string]orchestrator.Progress
	results  map[string]*model.BuildResult
	queued   []queue.Priority
	builds   []*model.BuildConfig
	panicky  bool
}

func newStubBuilder() *stubBuilder {
	return &stubBuilder{
		progress: map[string]orchestrator.Progress{},
		results:  map[string]*model.BuildResult{},
	}
}

func (s *stubBuilder) Build(_ context.Context, cfg *model.BuildConfig) *model.BuildResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicky {
		panic("boom")
	}
	s.builds = append(s.builds, cfg)
	if s.result != nil {
		return s.result
	}
	return &model.BuildResult{Success: true, BuildID: cfg.ID, OutputPath: "/out/" + cfg.ID}
}

func (s *stubBuilder) Enqueue(cfg *model.BuildConfig, p queue.Priority) (queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.progress[cfg.ID]; ok {
		return queue.Item{}, ferrors.AlreadyExistsError("build is already queued").Build()
	}
	s.queued = append(s.queued, p)
	s.progress[cfg.ID] = orchestrator.Progress{BuildID: cfg.ID, Status: queue.StatusQueued}
	return queue.Item{BuildID: cfg.ID, Priority: p, Status: queue.StatusQueued, Timestamp: time.Unix(0, 0).UTC()}, nil
}

func (s *stubBuilder) GetBuildProgress(id string) (orchestrator.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[id]
	return p, ok
}

func (s *stubBuilder) Result(id string) (*model.BuildResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}

func (s *stubBuilder) CancelBuild(_ context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.progress[id]
	delete(s.progress, id)
	return ok
}

func (s *stubBuilder) QueueStats() queue.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queue.Stats{Total: len(s.progress), Queued: len(s.progress)}
}

type stubCache struct{ cleaned int }

func (c *stubCache) GetStats() cache.Stats { return cache.Stats{Entries: 2, Bytes: 2048} }

func (c *stubCache) Cleanup() int {
	c.cleaned++
	return 1
}

func newTestServer(t *testing.T, b *stubBuilder) (*httptest.Server, *stubCache) {
	t.Helper()
	c := &stubCache{}
	s := New(config.HTTPConfig{Addr: "127.0.0.1:0"}, Options{
		Builder:       b,
		Cache:         c,
		MaxConcurrent: 3,
		PrometheusHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, c
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestBuildEndpoint(t *testing.T) {
	b := newStubBuilder()
	ts, _ := newTestServer(t, b)

	resp := do(t, http.MethodPost, ts.URL+"/builds", `{"id":"b1","type":"email"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[model.BuildResult](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, "/out/b1", res.OutputPath)
	require.Len(t, b.builds, 1)
	assert.Equal(t, model.TypeEmail, b.builds[0].Type)
}

func TestBuildEndpoint_FailedBuild(t *testing.T) {
	b := newStubBuilder()
	b.result = &model.BuildResult{BuildID: "b1", Error: "compiler failed"}
	ts, _ := newTestServer(t, b)

	resp := do(t, http.MethodPost, ts.URL+"/builds", `{"id":"b1","type":"email"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "compiler failed", decode[model.BuildResult](t, resp).Error)
}

func TestBuildEndpoint_DuplicateBuildConflicts(t *testing.T) {
	b := newStubBuilder()
	b.result = model.Failed("b1", ferrors.AlreadyExistsError("build b1 is already in progress").Build(), 0)
	ts, _ := newTestServer(t, b)

	resp := do(t, http.MethodPost, ts.URL+"/builds", `{"id":"b1","type":"email"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no progress record is needed to detect the rejection")
	assert.Equal(t, string(ferrors.CategoryAlreadyExists), decode[model.BuildResult](t, resp).ErrorCode)
}

func TestBuildEndpoint_RejectsBadBodies(t *testing.T) {
	ts, _ := newTestServer(t, newStubBuilder())

	for name, body := range map[string]string{
		"empty":         "",
		"malformed":     "{",
		"missing id":    `{"type":"email"}`,
		"unknown field": `{"id":"x","colour":"red"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := do(t, http.MethodPost, ts.URL+"/builds", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, string(ferrors.CategoryValidation), decode[ferrors.HTTPErrorResponse](t, resp).Code)
		})
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	b := newStubBuilder()
	ts, _ := newTestServer(t, b)

	resp := do(t, http.MethodPost, ts.URL+"/queue?priority=urgent", `{"id":"q1","type":"landing"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ack := decode[responses.EnqueueResponse](t, resp)
	assert.Equal(t, "q1", ack.BuildID)
	assert.Equal(t, "urgent", ack.Priority)
	assert.Equal(t, []queue.Priority{queue.PriorityUrgent}, b.queued)

	resp = do(t, http.MethodPost, ts.URL+"/queue", `{"id":"q1","type":"landing"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/queue?priority=asap", `{"id":"q2"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusAndCancelEndpoints(t *testing.T) {
	b := newStubBuilder()
	b.progress["done"] = orchestrator.Progress{BuildID: "done", Status: queue.StatusCompleted, Progress: 100}
	b.results["done"] = &model.BuildResult{Success: true, BuildID: "done", OutputPath: "/out/done"}
	b.progress["running"] = orchestrator.Progress{BuildID: "running", Status: queue.StatusProcessing, Stage: "building", Progress: 40}
	ts, _ := newTestServer(t, b)

	resp := do(t, http.MethodGet, ts.URL+"/builds/done", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[responses.BuildStatusResponse](t, resp)
	assert.Equal(t, queue.StatusCompleted, status.Status)
	require.NotNil(t, status.Result)
	assert.Equal(t, "/out/done", status.Result.OutputPath)

	resp = do(t, http.MethodGet, ts.URL+"/builds/running", "")
	status = decode[responses.BuildStatusResponse](t, resp)
	assert.Equal(t, "building", status.Stage)
	assert.Equal(t, 40, status.Progress)
	assert.Nil(t, status.Result)

	resp = do(t, http.MethodGet, ts.URL+"/builds/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/builds/running", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, ts.URL+"/builds/running", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsEndpoints(t *testing.T) {
	b := newStubBuilder()
	b.progress["a"] = orchestrator.Progress{BuildID: "a", Status: queue.StatusQueued}
	ts, c := newTestServer(t, b)

	resp := do(t, http.MethodGet, ts.URL+"/queue/stats", "")
	qs := decode[responses.QueueStatsResponse](t, resp)
	assert.Equal(t, 1, qs.Queued)
	assert.Equal(t, 3, qs.MaxConcurrent)

	resp = do(t, http.MethodGet, ts.URL+"/cache/stats", "")
	cs := decode[responses.CacheStatsResponse](t, resp)
	assert.Equal(t, 2, cs.Entries)
	assert.Equal(t, int64(2048), cs.Bytes)
	assert.Equal(t, "2.0 kB", cs.Size)

	resp = do(t, http.MethodPost, ts.URL+"/cache/cleanup", "")
	assert.Equal(t, 1, decode[responses.CacheCleanupResponse](t, resp).Removed)
	assert.Equal(t, 1, c.cleaned)
}

func TestPrettyQueryIndentsResponses(t *testing.T) {
	ts, _ := newTestServer(t, newStubBuilder())

	resp := do(t, http.MethodGet, ts.URL+"/queue/stats?pretty=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "{\n  \"")

	resp = do(t, http.MethodGet, ts.URL+"/queue/stats", "")
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "\n  ")
}

func TestMonitoringEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, newStubBuilder())

	resp := do(t, http.MethodGet, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[responses.HealthResponse](t, resp).Status)

	resp = do(t, http.MethodGet, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/builds", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type stubServices []services.ServiceInfo

func (s stubServices) AllInfo() []services.ServiceInfo { return s }

func TestHealthReportsDegradedServices(t *testing.T) {
	s := New(config.HTTPConfig{}, Options{
		Builder: newStubBuilder(),
		Cache:   &stubCache{},
		Services: stubServices{
			{Name: "http", Status: services.StatusRunning, Health: services.HealthStatusHealthy()},
			{Name: "events", Status: services.StatusRunning, Health: services.HealthStatusUnhealthy("event sink disconnected")},
		},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	health := decode[responses.HealthResponse](t, do(t, http.MethodGet, ts.URL+"/healthz", ""))
	assert.Equal(t, "degraded", health.Status)
	require.Len(t, health.Services, 2)
	assert.Equal(t, "event sink disconnected", health.Services[1].Health.Message)
}

func TestPanicRecovery(t *testing.T) {
	b := newStubBuilder()
	b.panicky = true
	ts, _ := newTestServer(t, b)

	resp := do(t, http.MethodPost, ts.URL+"/builds", `{"id":"p1","type":"email"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal server error", decode[ferrors.HTTPErrorResponse](t, resp).Error)
}

func TestStartStop(t *testing.T) {
	s := New(config.HTTPConfig{Addr: "127.0.0.1:0"}, Options{Builder: newStubBuilder(), Cache: &stubCache{}})
	require.NoError(t, s.Start(t.Context()))
	assert.NotEqual(t, "127.0.0.1:0", s.Addr())
	require.NoError(t, s.Stop(t.Context()))

	assert.NoError(t, New(config.HTTPConfig{}, Options{}).Stop(t.Context()), "stop before start is a no-op")
}
