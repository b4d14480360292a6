package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
)

// Scheduler wraps gocron scheduler for managing periodic maintenance tasks.
type Scheduler struct {
	scheduler gocron.Scheduler
	running   atomic.Bool
	shutdown  atomic.Bool
}

// NewScheduler creates a new scheduler instance.
func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s}, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start(context.Context) {
	slog.Info("Starting scheduler", slog.Int("jobs", len(s.scheduler.Jobs())))
	s.scheduler.Start()
	s.running.Store(true)
}

// Stop gracefully shuts down the scheduler, waiting for running jobs. The
// scheduler cannot be restarted afterwards.
func (s *Scheduler) Stop(context.Context) error {
	s.running.Store(false)
	if s.shutdown.Swap(true) {
		return nil
	}
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// IsRunning reports whether Start was called and Stop was not.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// ScheduleEvery runs fn every interval. A run still in progress when the next
// tick arrives causes that tick to be skipped. Returns the job id.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, fn func()) (string, error) {
	if interval <= 0 {
		return "", ferrors.ValidationError("schedule interval must be positive").
			WithContext("job", name).
			WithContext("interval", interval.String()).
			Build()
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			slog.Debug("Running scheduled job", slog.String("job", name))
			fn()
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create %s job: %w", name, err)
	}
	return job.ID().String(), nil
}
