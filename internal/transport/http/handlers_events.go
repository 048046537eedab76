package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"eventrelay/internal/dispatch"
	"eventrelay/internal/domain"
	"eventrelay/internal/platform/middleware"
)

//go:generate mockgen -source=handlers_events.go -destination=mocks/mocks.go -package=mocks Pipeline

// Pipeline is the slice of the dispatch orchestrator the HTTP layer calls.
type Pipeline interface {
	CollectIngest(ctx context.Context, events []domain.Event) (dispatch.AcceptResult, error)
	HealthStatus(ctx context.Context) dispatch.HealthStatus
	IsReady() bool
}

// DefaultMaxBodyBytes caps an ingest request body.
const DefaultMaxBodyBytes = 1 << 20

// retryAfter is advertised when the buffer cannot take writes.
const retryAfter = 5 * time.Second

// IngestRequest is the POST /v1/events body.
type IngestRequest struct {
	Events []domain.Event `json:"events"`
}

// Handler is the thin HTTP layer over the pipeline. It only decodes, calls in
// and maps outcomes to status codes.
type Handler struct {
	pipeline     Pipeline
	logger       *slog.Logger
	maxBodyBytes int64
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

func New(pipeline Pipeline, opts ...Option) (*Handler, error) {
	if pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	h := &Handler{
		pipeline:     pipeline,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// handleIngest stages a batch of events. 202 when at least one event was
// accepted, 400 when none were, 503 when the buffer refused the write.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds limit")
			return
		}
		h.logger.WarnContext(ctx, "invalid ingest request",
			"request_id", requestID,
			"error", err.Error(),
		)
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "events is required")
		return
	}

	res, err := h.pipeline.CollectIngest(ctx, req.Events)
	if err != nil {
		h.logger.ErrorContext(ctx, "ingest failed, buffer unavailable",
			"request_id", requestID,
			"client_id", middleware.GetClientID(ctx),
			"events", len(req.Events),
			"error", err,
		)
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	if res.Accepted == 0 {
		h.logger.WarnContext(ctx, "ingest request rejected",
			"request_id", requestID,
			"client_id", middleware.GetClientID(ctx),
			"rejected", res.Rejected,
		)
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.pipeline.HealthStatus(r.Context())
	code := http.StatusOK
	if status.Status == dispatch.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !h.pipeline.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
