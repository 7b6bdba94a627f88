package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.accessMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(limitBody)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/scan", func(r chi.Router) {
			r.Use(middleware.NoCache)
			r.Get("/status", s.handleScanStatus)
			r.Get("/data", s.handleScanData)
			r.Get("/info", s.handleScanInfo)
			r.Get("/runs", s.handleListRuns)
			r.Get("/requests", s.handleListRequests)
			r.Post("/{request}", s.handleScanRequest)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"station_id": s.stationID,
		"mqtt":       connected(s.mqtt),
		"influxdb":   connected(s.influx),
	})
}

// connected reports "disabled" for a nil checker, otherwise the link state.
func connected(c ConnectionChecker) string {
	switch {
	case c == nil:
		return "disabled"
	case c.IsConnected():
		return "connected"
	default:
		return "disconnected"
	}
}
