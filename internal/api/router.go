package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentoven/scriptrun/internal/api/handlers"
	"github.com/agentoven/scriptrun/internal/api/middleware"
	"github.com/agentoven/scriptrun/internal/config"
)

// NewRouter creates the HTTP router with all API routes. A nil auth is
// built from cfg.API.Keys.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *middleware.APIKeyAuth) http.Handler {
	if auth == nil {
		auth = middleware.NewAPIKeyAuth(cfg.API.Keys)
	}
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Script runs
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.RunScript)
			r.Post("/validate", h.ValidateScript)
			r.Get("/{runID}", h.GetRun)
		})

		// Model resolution
		r.Route("/models", func(r chi.Router) {
			r.Get("/providers", h.ListProviders)
			r.Get("/aliases", h.ListAliases)
			r.Post("/resolve", h.ResolveModel)
		})

		// Tool catalog
		r.Get("/tools", h.ListTools)
	})

	// MCP endpoint: catalog tools for external MCP clients
	r.Post("/mcp", h.MCPEndpoint)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "scriptrun",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "scriptrun",
		})
	}
}
