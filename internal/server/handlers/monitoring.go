package handlers

import (
	"log/slog"
	"net/http"
	"time"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/server/responses"
	"git.home.luguber.info/inful/pagebuilder/internal/services"
	"git.home.luguber.info/inful/pagebuilder/internal/version"
)

// ServiceLister exposes the managed services of the running daemon.
type ServiceLister interface {
	AllInfo() []services.ServiceInfo
}

// MonitoringHandlers serves liveness information.
type MonitoringHandlers struct {
	startTime    time.Time
	services     ServiceLister
	errorAdapter *ferrors.HTTPErrorAdapter
}

// NewMonitoringHandlers creates monitoring handlers; uptime is measured from
// startTime. svcs may be nil.
func NewMonitoringHandlers(startTime time.Time, svcs ServiceLister) *MonitoringHandlers {
	return &MonitoringHandlers{
		startTime:    startTime,
		services:     svcs,
		errorAdapter: ferrors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// HandleHealthCheck handles the health check endpoint.
func (h *MonitoringHandlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &responses.HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Uptime:    time.Since(h.startTime).Seconds(),
		Timestamp: time.Now().UTC(),
	}
	if h.services != nil {
		health.Services = h.services.AllInfo()
		for _, info := range health.Services {
			if !info.Health.Healthy() {
				health.Status = "degraded"
				break
			}
		}
	}
	if err := writeJSON(w, r, http.StatusOK, health); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			ferrors.WrapError(err, ferrors.CategoryInternal, "failed to write health response").Build())
	}
}
