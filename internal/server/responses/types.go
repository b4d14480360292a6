// Package responses defines the JSON bodies returned by the build API.
package responses

import (
	"time"

	"git.home.luguber.info/inful/pagebuilder/internal/cache"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/queue"
	"git.home.luguber.info/inful/pagebuilder/internal/services"
)

// HealthResponse is returned by /healthz. Status is "degraded" when any
// managed service reports unhealthy.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Uptime    float64                `json:"uptime"`
	Timestamp time.Time              `json:"timestamp"`
	Services  []services.ServiceInfo `json:"services,omitempty"`
}

// EnqueueResponse acknowledges an asynchronous build.
type EnqueueResponse struct {
	Status   string    `json:"status"`
	BuildID  string    `json:"buildId"`
	Priority string    `json:"priority"`
	Queued   time.Time `json:"queuedAt"`
}

// BuildStatusResponse reports the progress of one build and, once it has
// finished, its result.
type BuildStatusResponse struct {
	BuildID    string             `json:"buildId"`
	Status     queue.Status       `json:"status"`
	Stage      string             `json:"stage,omitempty"`
	Progress   int                `json:"progress"`
	RetryCount int                `json:"retryCount"`
	Error      string             `json:"error,omitempty"`
	Result     *model.BuildResult `json:"result,omitempty"`
}

// QueueStatsResponse wraps the queue counters.
type QueueStatsResponse struct {
	queue.Stats
	MaxConcurrent int `json:"maxConcurrent"`
}

// CacheStatsResponse wraps the cache counters with a human readable size.
type CacheStatsResponse struct {
	cache.Stats
	Size string `json:"size"`
}

// CacheCleanupResponse reports how many entries a sweep removed.
type CacheCleanupResponse struct {
	Removed int `json:"removed"`
}
