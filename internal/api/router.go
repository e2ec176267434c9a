package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/redis"
)

// NewRouter mounts the handler's routes. limiter may be nil.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Use(RateLimit(limiter, logger))

		r.Post("/alerts/events", h.PostAlertEvent)

		r.Post("/channels", h.CreateChannel)
		r.Patch("/channels/{id}", h.UpdateChannel)
		r.Post("/channels/{id}/test", h.TestChannel)
		r.Get("/channels/{id}/log", h.ListChannelLog)

		r.Post("/rules", h.CreateRule)

		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
