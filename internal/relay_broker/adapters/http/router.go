package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// NewRouter builds the status API. allowedOrigins are the dashboard origins
// permitted to call it from a browser.
func NewRouter(h *StatusHandler, allowedOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(instrumentRoutes)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.handleLogin)
		if !h.tokens.Enabled() {
			logger.Warn("Status API auth not configured, code and agent routes are not served")
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.tokens, logger))
			h.RegisterRoutes(r)
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         300,
	})
	return c.Handler(r)
}
