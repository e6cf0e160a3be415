// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lausan029/event-processor/internal/middleware"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// RateLimitReqs requests per RateLimitWindow per client IP on the
	// ingest endpoints. Zero disables rate limiting.
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// NewRouter wires the full HTTP surface. creds may be nil to disable
// authentication (tests, local development).
func NewRouter(h *Handler, creds middleware.CredentialLookup, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", middleware.APIKeyHeader},
		MaxAge:         300,
	}))

	// Probes and metrics stay unauthenticated for orchestrators and
	// scrapers.
	r.Get("/healthz", h.HealthLive)
	r.Get("/readyz", h.HealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)
		if cfg.RateLimitReqs > 0 {
			window := cfg.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, window))
		}
		if creds != nil {
			r.Use(middleware.APIKeyAuth(creds))
		}

		r.Post("/events", h.IngestEvent)
		r.Post("/events/batch", h.IngestBatch)
		r.Get("/events/stats", h.Stats)
		r.Get("/dlq", h.DLQList)
	})

	return r
}
