// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/counterveil/counterveil/internal/config"
)

// Router builds the HTTP route tree.
type Router struct {
	cfg     config.ServerConfig
	handler *Handler
}

// NewRouter creates a router over the given handler set.
func NewRouter(cfg config.ServerConfig, handler *Handler) *Router {
	return &Router{cfg: cfg, handler: handler}
}

// Setup wires all routes and middleware.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: router.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", RequestIDHeader},
		MaxAge:         300,
	}))

	// Liveness stays outside the rate limit so probes never starve.
	r.Get("/healthz", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(router.cfg.RateLimitReqs, router.cfg.RateLimitWindow))
		r.Use(Metrics)

		r.Get("/detections", router.handler.Detections)

		r.Route("/engine", func(r chi.Router) {
			r.Get("/status", router.handler.EngineStatus)
			r.Post("/enable", router.handler.SetEngineEnabled)
		})

		r.Route("/handlers/{protocol}", func(r chi.Router) {
			r.Post("/enable", router.handler.SetHandlerEnabled)
			r.Put("/config", router.handler.ConfigureHandler)
		})

		r.Route("/signatures", func(r chi.Router) {
			r.Get("/", router.handler.SignatureList)
			r.Post("/", router.handler.SignatureCreate)
			r.Get("/{id}", router.handler.SignatureGet)
			r.Delete("/{id}", router.handler.SignatureDelete)
		})
	})

	return r
}
