package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
)

// MockService is a test implementation of ManagedService.
type MockService struct {
	name         string
	dependencies []string
	startDelay   time.Duration
	failStart    bool
	failStop     bool
	isRunning    bool
	log          *callLog
	mu           sync.Mutex
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *callLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func NewMockService(log *callLog, name string, deps ...string) *MockService {
	return &MockService{name: name, dependencies: deps, log: log}
}

func (m *MockService) WithStartDelay(delay time.Duration) *MockService {
	m.startDelay = delay
	return m
}

func (m *MockService) WithStartFailure() *MockService {
	m.failStart = true
	return m
}

func (m *MockService) WithStopFailure() *MockService {
	m.failStop = true
	return m
}

func (m *MockService) Name() string { return m.name }

func (m *MockService) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startDelay > 0 {
		select {
		case <-time.After(m.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.failStart {
		return errors.New("mock start failure")
	}
	m.isRunning = true
	m.log.add("start:" + m.name)
	return nil
}

func (m *MockService) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failStop {
		return errors.New("mock stop failure")
	}
	m.isRunning = false
	m.log.add("stop:" + m.name)
	return nil
}

func (m *MockService) Health() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return HealthStatusHealthy()
	}
	return HealthStatusUnhealthy("service not running")
}

func (m *MockService) Dependencies() []string { return m.dependencies }

func (m *MockService) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

func TestLifecycle_SingleService(t *testing.T) {
	log := &callLog{}
	l := NewLifecycle()
	svc := NewMockService(log, "api")
	require.NoError(t, l.Register(svc))

	require.NoError(t, l.StartAll(t.Context()))
	assert.True(t, svc.IsRunning())

	info, ok := l.Info("api")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, info.Status)
	assert.True(t, info.Health.Healthy())
	require.NotNil(t, info.StartedAt)

	require.NoError(t, l.StopAll(t.Context()))
	assert.False(t, svc.IsRunning())
	info, _ = l.Info("api")
	assert.Equal(t, StatusStopped, info.Status)
	assert.NotNil(t, info.StoppedAt)
}

func TestLifecycle_DependencyOrder(t *testing.T) {
	log := &callLog{}
	l := NewLifecycle()
	require.NoError(t, l.Register(NewMockService(log, "http", "scheduler", "events")))
	require.NoError(t, l.Register(NewMockService(log, "scheduler", "events")))
	require.NoError(t, l.Register(NewMockService(log, "events")))

	require.NoError(t, l.StartAll(t.Context()))
	require.NoError(t, l.StopAll(t.Context()))

	assert.Equal(t, []string{
		"start:events", "start:scheduler", "start:http",
		"stop:http", "stop:scheduler", "stop:events",
	}, log.snapshot())
}

func TestLifecycle_RegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	log := &callLog{}
	l := NewLifecycle()
	require.NoError(t, l.Register(NewMockService(log, "a")))

	err := l.Register(NewMockService(log, "a"))
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryAlreadyExists))

	err = l.Register(NewMockService(log, ""))
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestLifecycle_StartFailureStopsStartedServices(t *testing.T) {
	log := &callLog{}
	l := NewLifecycle()
	first := NewMockService(log, "a")
	require.NoError(t, l.Register(first))
	require.NoError(t, l.Register(NewMockService(log, "b", "a").WithStartFailure()))

	err := l.StartAll(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start service b")
	assert.False(t, first.IsRunning())
	assert.Equal(t, []string{"start:a", "stop:a"}, log.snapshot())

	info, _ := l.Info("b")
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "mock start failure", info.LastError)
}

func TestLifecycle_StartTimeout(t *testing.T) {
	l := NewLifecycle().WithTimeouts(20*time.Millisecond, time.Second)
	require.NoError(t, l.Register(NewMockService(&callLog{}, "slow").WithStartDelay(time.Second)))

	err := l.StartAll(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLifecycle_DependencyErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		l := NewLifecycle()
		require.NoError(t, l.Register(NewMockService(&callLog{}, "a", "ghost")))
		err := l.StartAll(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service not found: ghost")
	})

	t.Run("circular", func(t *testing.T) {
		l := NewLifecycle()
		require.NoError(t, l.Register(NewMockService(&callLog{}, "a", "b")))
		require.NoError(t, l.Register(NewMockService(&callLog{}, "b", "a")))
		err := l.StartAll(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "circular dependency")
	})
}

func TestLifecycle_StopFailureIsReported(t *testing.T) {
	log := &callLog{}
	l := NewLifecycle()
	require.NoError(t, l.Register(NewMockService(log, "a")))
	require.NoError(t, l.Register(NewMockService(log, "b").WithStopFailure()))

	require.NoError(t, l.StartAll(t.Context()))
	err := l.StopAll(t.Context())
	require.Error(t, err)
	assert.Contains(t, log.snapshot(), "stop:a")

	info, _ := l.Info("b")
	assert.Equal(t, StatusFailed, info.Status)
}

func TestLifecycle_AllInfoSorted(t *testing.T) {
	l := NewLifecycle()
	require.NoError(t, l.Register(NewMockService(&callLog{}, "zeta")))
	require.NoError(t, l.Register(NewMockService(&callLog{}, "alpha")))

	infos := l.AllInfo()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, StatusNotStarted, infos[1].Status)
	assert.False(t, infos[1].Health.Healthy())

	_, ok := l.Info("missing")
	assert.False(t, ok)
}
