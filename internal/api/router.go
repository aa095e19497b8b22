/**
 * @description
 * This file sets up the HTTP router for the mint-service. It exposes the public mint
 * endpoint, the operator endpoints for the mint journal, health and metrics.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser wallets.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the HTTP-level settings of the service.
type RouterConfig struct {
	AllowedOrigins    []string
	OperatorJWTSecret string
	// RequestTimeout must exceed the mint confirmation timeout.
	RequestTimeout time.Duration
}

// MintRoutes creates and returns the router for the mint service.
func MintRoutes(h *MintHandlers, cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Client-Info", "Apikey"},
		MaxAge:         300,
	}))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/pt-mint", h.MintHandler)

	r.Route("/internal", func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(cfg.OperatorJWTSecret))

		r.Get("/mint-records", h.ListMintRecordsHandler)
		r.Post("/mint-records/{id}/reconcile", h.ReconcileMintRecordHandler)
		r.Post("/reconciliation/sweep", h.SweepHandler)
	})

	return r
}
