package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventrelay/internal/platform/middleware"
)

// NewRouter wires the public endpoints. Ingest sits behind bearer auth when a
// validator is given; probes and metrics never do. metrics may be nil.
func NewRouter(h *Handler, validator middleware.TokenValidator, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.Recovery(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(middleware.RequireToken(validator, h.logger))
		v1.Post("/events", h.handleIngest)
	})
	return r
}
