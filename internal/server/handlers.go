package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/admitwise/admitwise/internal/engine"
	"github.com/admitwise/admitwise/internal/model"
	"github.com/admitwise/admitwise/internal/search"
)

// Recommender is the engine surface the handlers call. *engine.Engine
// satisfies it.
type Recommender interface {
	Recommend(ctx context.Context, req model.RecommendRequest) (model.RecommendResponse, error)
	RecommendStream(ctx context.Context, req model.RecommendRequest) <-chan engine.Event
}

// HealthStore is the storage surface the health endpoint probes.
// *storage.DB satisfies it.
type HealthStore interface {
	Ping(ctx context.Context) error
	CountInstitutions(ctx context.Context) (int64, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              Recommender
	store               HealthStore
	matcher             search.Matcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Engine              Recommender
	Store               HealthStore
	Matcher             search.Matcher
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:              d.Engine,
		store:               d.Store,
		matcher:             d.Matcher,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleRecommend handles POST /v1/recommend.
func (h *Handlers) HandleRecommend(w http.ResponseWriter, r *http.Request) {
	var req model.RecommendRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	resp, err := h.engine.Recommend(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleRecommendStream handles POST /v1/recommend/stream (SSE). The
// request body is validated before the stream opens; validation failures
// are plain JSON errors, everything after the first byte of the stream is
// delivered as SSE events including the terminal error event.
func (h *Handlers) HandleRecommendStream(w http.ResponseWriter, r *http.Request) {
	var req model.RecommendRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The response controller reaches flush and deadline support through
	// middleware wrappers via Unwrap.
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, slow discovery calls would kill the stream mid-flight.
	_ = rc.SetWriteDeadline(time.Time{})

	events := h.engine.RecommendStream(r.Context(), req)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// writeSSEEvent encodes one engine event as an SSE frame.
func writeSSEEvent(w http.ResponseWriter, ev engine.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + string(ev.Type) + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	vectorStatus := "connected"
	if err := h.matcher.Healthy(r.Context()); err != nil {
		vectorStatus = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Best-effort row count; health never fails on it.
	var count int64
	if n, err := h.store.CountInstitutions(r.Context()); err == nil {
		count = n
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Postgres:     pgStatus,
		VectorIndex:  vectorStatus,
		Institutions: count,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeEngineError maps engine failures onto the API error vocabulary.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *model.ValidationError
	var aiErr *engine.AIServiceError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, validationErr.Error())
	case errors.As(err, &aiErr):
		h.logger.Error("recommendation failed: discovery unavailable",
			"request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeAIService,
			"institution discovery is temporarily unavailable")
	case errors.Is(err, engine.ErrStore):
		h.logger.Error("recommendation failed: store error",
			"request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeStore, "storage is unavailable")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.logger.Error("recommendation failed",
			"request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}
