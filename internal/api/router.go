package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/willowcart/mailroom/internal/storage"
)

// NewRouter creates a chi.Mux with all routes, middleware, and handlers
// configured. db may be nil in tests, in which case /readyz is not registered.
func NewRouter(dispatcher Enqueuer, queries storage.Querier, db *storage.DB, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(RecoverMiddleware)

	// Health endpoints
	r.Get("/healthz", HealthzHandler())
	if db != nil {
		r.Get("/readyz", ReadyzHandler(db))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Enqueue path used by marketplace request handlers.
		r.Post("/emails", EnqueueEmailHandler(dispatcher))

		// Observability reads for support and debugging.
		r.Get("/emails/{id}", GetEmailHandler(queries))
		r.Get("/emails/{id}/queue", GetEmailQueueHandler(queries))

		// Template management for the offline generation step.
		r.Get("/templates", ListTemplatesHandler(queries))
		r.Put("/templates/{name}", UpsertTemplateHandler(queries))
		r.Get("/templates/{name}", GetTemplateHandler(queries))
	})

	return r
}
