package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
	"git.home.luguber.info/inful/pagebuilder/internal/orchestrator"
	"git.home.luguber.info/inful/pagebuilder/internal/queue"
	"git.home.luguber.info/inful/pagebuilder/internal/server/responses"
)

// MaxConfigBytes bounds the size of a build configuration request body.
const MaxConfigBytes = 1 << 20

// Builder is the orchestrator surface used by BuildHandlers.
type Builder interface {
	Build(ctx context.Context, cfg *model.BuildConfig) *model.BuildResult
	Enqueue(cfg *model.BuildConfig, priority queue.Priority) (queue.Item, error)
	GetBuildProgress(buildID string) (orchestrator.Progress, bool)
	Result(buildID string) (*model.BuildResult, bool)
	CancelBuild(ctx context.Context, buildID string) bool
	QueueStats() queue.Stats
}

// BuildHandlers serves build submission, status and cancellation.
type BuildHandlers struct {
	builder       Builder
	maxConcurrent int
	errorAdapter  *ferrors.HTTPErrorAdapter
}

// NewBuildHandlers creates build handlers backed by builder.
func NewBuildHandlers(builder Builder, maxConcurrent int) *BuildHandlers {
	return &BuildHandlers{
		builder:       builder,
		maxConcurrent: maxConcurrent,
		errorAdapter:  ferrors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// HandleBuild runs a build synchronously and returns its result. Failed
// builds answer 422 with the result as body; rejected duplicates answer 409.
func (h *BuildHandlers) HandleBuild(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(w, r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	result := h.builder.Build(r.Context(), cfg)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
		if result.ErrorCode == string(ferrors.CategoryAlreadyExists) {
			status = http.StatusConflict
		}
	}
	h.write(w, r, status, result)
}

// HandleEnqueue admits a build for asynchronous processing. The priority
// query parameter accepts low, normal, high or urgent.
func (h *BuildHandlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	priority, err := queue.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	cfg, err := decodeConfig(w, r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	item, err := h.builder.Enqueue(cfg, priority)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	h.write(w, r, http.StatusAccepted, &responses.EnqueueResponse{
		Status:   string(item.Status),
		BuildID:  item.BuildID,
		Priority: item.Priority.String(),
		Queued:   item.Timestamp,
	})
}

// HandleStatus reports the progress of the build named by the {id} path value.
func (h *BuildHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := h.builder.GetBuildProgress(id)
	if !ok {
		h.errorAdapter.WriteErrorResponse(w, r, ferrors.NotFoundError("build not found").
			WithContext("build_id", id).
			Build())
		return
	}

	resp := &responses.BuildStatusResponse{
		BuildID:    p.BuildID,
		Status:     p.Status,
		Stage:      p.Stage,
		Progress:   p.Progress,
		RetryCount: p.RetryCount,
		Error:      p.Error,
	}
	if result, ok := h.builder.Result(id); ok && !p.Status.Active() {
		resp.Result = result
	}
	h.write(w, r, http.StatusOK, resp)
}

// HandleCancel cancels the build named by the {id} path value.
func (h *BuildHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.builder.CancelBuild(r.Context(), id) {
		h.errorAdapter.WriteErrorResponse(w, r, ferrors.NotFoundError("build not found").
			WithContext("build_id", id).
			Build())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleQueueStats returns the queue counters.
func (h *BuildHandlers) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, http.StatusOK, &responses.QueueStatsResponse{
		Stats:         h.builder.QueueStats(),
		MaxConcurrent: h.maxConcurrent,
	})
}

func (h *BuildHandlers) write(w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := writeJSON(w, r, status, v); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r,
			ferrors.WrapError(err, ferrors.CategoryInternal, "failed to encode response").Build())
	}
}

func decodeConfig(w http.ResponseWriter, r *http.Request) (*model.BuildConfig, error) {
	body := http.MaxBytesReader(w, r.Body, MaxConfigBytes)
	defer func() { _ = body.Close() }()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	var cfg model.BuildConfig
	if err := dec.Decode(&cfg); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return nil, ferrors.WrapError(err, ferrors.CategoryValidation, "build configuration too large").
				WithContext("limit", tooLarge.Limit).
				Build()
		case errors.Is(err, io.EOF):
			return nil, ferrors.ValidationError("build configuration is required").Build()
		default:
			return nil, ferrors.WrapError(err, ferrors.CategoryValidation, "invalid build configuration").Build()
		}
	}
	if cfg.ID == "" {
		return nil, ferrors.ValidationError("build configuration requires an id").Build()
	}
	return &cfg, nil
}
