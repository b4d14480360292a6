package handlers

import (
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/pagebuilder/internal/cache"
	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/server/responses"
)

// CacheInspector is the cache surface exposed over HTTP.
type CacheInspector interface {
	GetStats() cache.Stats
	Cleanup() int
}

// CacheHandlers serves cache statistics and maintenance.
type CacheHandlers struct {
	cache        CacheInspector
	errorAdapter *ferrors.HTTPErrorAdapter
}

// NewCacheHandlers creates cache handlers.
func NewCacheHandlers(c CacheInspector) *CacheHandlers {
	return &CacheHandlers{cache: c, errorAdapter: ferrors.NewHTTPErrorAdapter(slog.Default())}
}

// HandleStats returns entry count and artifact size.
func (h *CacheHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.GetStats()
	h.write(w, r, &responses.CacheStatsResponse{Stats: stats, Size: stats.HumanSize()})
}

// HandleCleanup sweeps expired entries.
func (h *CacheHandlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, &responses.CacheCleanupResponse{Removed: h.cache.Cleanup()})
}

func (h *CacheHandlers) write(w http.ResponseWriter, r *http.Request, v any) {
	if err := writeJSON(w, r, http.StatusOK, v); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			ferrors.WrapError(err, ferrors.CategoryInternal, "failed to encode cache response").Build())
	}
}
