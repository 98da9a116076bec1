// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package api is the coordinator's HTTP surface (§4.5, §6): chi router,
// JSON handlers, and the bearer/workload-identity auth middleware.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loom/internal/coordinator/config"
	"github.com/loomworks/loom/internal/coordinator/ipalloc"
	"github.com/loomworks/loom/internal/coordinator/push"
	"github.com/loomworks/loom/internal/coordinator/relaymap"
	"github.com/loomworks/loom/internal/coordinator/store"
)

// Server is the coordinator's HTTP API.
type Server struct {
	router *chi.Mux
	cfg    *config.Config

	store   *store.Store
	pods    *ipalloc.Allocator
	devices *ipalloc.Allocator
	relays  *relaymap.Source
	hub     *push.Hub

	users     UserAuthenticator
	workloads WorkloadVerifier

	httpServer *http.Server
}

// Deps collects Server's constructor dependencies.
type Deps struct {
	Store     *store.Store
	PodAlloc  *ipalloc.Allocator
	DevAlloc  *ipalloc.Allocator
	Relays    *relaymap.Source
	Hub       *push.Hub
	Users     UserAuthenticator
	Workloads WorkloadVerifier
}

// NewServer builds the coordinator API, using one shared ipalloc.Allocator
// instance for both pod and device kinds (the allocator already keeps
// the two sub-prefixes disjoint internally), so PodAlloc and DevAlloc in
// Deps are typically the same *ipalloc.Allocator.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		store:     deps.Store,
		pods:      deps.PodAlloc,
		devices:   deps.DevAlloc,
		relays:    deps.Relays,
		hub:       deps.Hub,
		users:     deps.Users,
		workloads: deps.Workloads,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupMiddleware configures the §6A chi middleware stack.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second)) // §5(d): coordinator request timeout
}

// setupRoutes configures the §6 HTTP/JSON surface.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	if s.cfg.Features.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Route("/api/wg", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/devices", s.handleCreateDevice)
		r.Get("/devices", s.handleListDevices)
		r.Delete("/devices/{id}", s.handleRevokeDevice)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{id}", s.handleDeleteSession)

		r.Get("/derp-map", s.handleDERPMap)
	})

	s.router.Route("/internal/wg/pods", func(r chi.Router) {
		r.Post("/register", s.handleRegisterPod) // workload auth checked inside: pod id arrives in the body
		r.With(s.workloadAuthMiddleware).Get("/{pod_id}/peers", s.handlePodPeers)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Start begins serving HTTP requests; it blocks until Shutdown is called
// or the listener fails.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("wg coordinator api: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func podIDParam(r *http.Request) string {
	return chi.URLParam(r, "pod_id")
}
