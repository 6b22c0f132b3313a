package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Gateway transport
		r.Post("/push", s.handlePush)
		r.Get("/pull", s.handlePull)

		// Read-only history
		r.Get("/positions", s.handleListPositions)
		r.Get("/positions/{x}/{y}/checks", s.handleListChecks)
		r.Get("/checks/{id}", s.handleGetCheck)
		r.Get("/stages", s.handleListStages)
		r.Get("/images/{ref}", s.handleGetImage)
		r.Get("/audit", s.handleListAudit)
	})

	path := s.wsCfg.Path
	if path == "" {
		path = "/ws"
	}
	r.Get(path, s.handleWebSocket)

	return r
}

// handleHealth answers 200 while the database passes its integrity check
// and 503 otherwise. Broker and telemetry outages do not fail it: the rig
// keeps working without them.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "version": s.version}
	if s.db == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if err := s.db.HealthCheck(ctx); err != nil {
		s.logger.Error("database health check failed", "error", err)
		body["status"] = "degraded"
		body["database"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["database"] = "ok"
	writeJSON(w, http.StatusOK, body)
}
