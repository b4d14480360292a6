package metrics

import "time"

// BuildOutcomeLabel enumerates final build outcomes for counters.
type BuildOutcomeLabel string

const (
	OutcomeSuccess  BuildOutcomeLabel = "success"
	OutcomeCached   BuildOutcomeLabel = "cached"
	OutcomeFailed   BuildOutcomeLabel = "failed"
	OutcomeRejected BuildOutcomeLabel = "rejected"
	OutcomeCanceled BuildOutcomeLabel = "canceled"
)

// Recorder defines observability hooks for build, cache and queue metrics.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(outcome BuildOutcomeLabel)
	IncCacheLookup(hit bool)
	IncBuildRetry(buildType string)
	IncBuildRetryExhausted(buildType string)
	SetQueueDepth(status string, n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) IncBuildOutcome(BuildOutcomeLabel)          {}
func (NoopRecorder) IncCacheLookup(bool)                        {}
func (NoopRecorder) IncBuildRetry(string)                       {}
func (NoopRecorder) IncBuildRetryExhausted(string)              {}
func (NoopRecorder) SetQueueDepth(string, int)                  {}
