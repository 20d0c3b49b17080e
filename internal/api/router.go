package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/2060-io/message-pickup-repository/internal/api/middleware"
)

// RouterOptions carries the router's collaborators.
type RouterOptions struct {
	Logger zerolog.Logger

	// WS handles the JSON-RPC websocket endpoint.
	WS http.Handler

	// Health checks, keyed by dependency name.
	Checks map[string]HealthCheck
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// CORS - the websocket endpoint is called from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Metrics)
		r.Use(middleware.Logger(opts.Logger))
		r.Get("/health", Health(opts.Checks))
	})

	// The websocket upgrade needs the raw ResponseWriter (http.Hijacker),
	// so it bypasses the wrapping middleware.
	r.Handle("/ws", opts.WS)

	return r
}
