package httpserver

import (
	"net/http"
	"time"

	"git.home.luguber.info/inful/pagebuilder/internal/server/handlers"
)

// Options wires the runtime dependencies of the API.
type Options struct {
	Builder       handlers.Builder
	Cache         handlers.CacheInspector
	MaxConcurrent int

	// Optional: served at /metrics when set.
	PrometheusHandler http.Handler

	// Optional: service health reported by /healthz.
	Services handlers.ServiceLister

	// Uptime reference for /healthz; defaults to construction time.
	StartTime time.Time
}
