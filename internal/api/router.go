// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clientdeck/clientdeck/internal/config"
	"github.com/clientdeck/clientdeck/internal/middleware"
)

// NewRouter assembles the HTTP routes for the sync service.
func NewRouter(cfg *config.Config, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow))
		r.Use(middleware.Compression)

		r.Get("/sync", h.Sync)
		r.Post("/events", h.RecordEvent)
		r.Get("/ws", h.WebSocket)

		r.Route("/health", func(r chi.Router) {
			r.Get("/live", h.HealthLive)
			r.Get("/ready", h.HealthReady)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
