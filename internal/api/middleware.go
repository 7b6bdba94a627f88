package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type contextKey string

const ctxKeyRequestID contextKey = "request_id"

// headerRequestID carries the request ID in both directions.
const headerRequestID = "X-Request-ID"

// maxRequestBodySize bounds request bodies. Control requests carry at most
// {"value": false}.
const maxRequestBodySize = 4 << 10

// requestIDFrom returns the ID assigned by requestIDMiddleware, or "".
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// requestIDMiddleware tags each request with the client's X-Request-ID, or a
// fresh UUID when the client sent none.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// accessMiddleware logs every request and counts it against its route
// pattern for /metrics. Status polling is logged at debug level.
func (s *Server) accessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.routes.observe(r.Method+" "+route, sw.status, elapsed)

		logf := s.logger.Info
		if r.Method == http.MethodGet && sw.status < http.StatusBadRequest {
			logf = s.logger.Debug
		}
		logf("http request",
			"method", r.Method,
			"route", route,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}

// recoveryMiddleware turns a handler panic into a 500 and logs the stack.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", requestIDFrom(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware lets browser dashboards on other origins drive the station.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	methods := joinOr(s.cfg.CORS.AllowedMethods, "GET, POST, OPTIONS")
	headers := joinOr(s.cfg.CORS.AllowedHeaders, "Content-Type, "+headerRequestID)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Expose-Headers", headerRequestID)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.CORS.AllowedOrigins
	return len(allowed) == 0 || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func joinOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	return strings.Join(values, ", ")
}

// routeCounter accumulates request counts for one method and route pattern.
type routeCounter struct {
	requests atomic.Int64
	errors   atomic.Int64 // status >= 500
	totalNs  atomic.Int64
}

// routeStats is keyed by "METHOD /pattern".
type routeStats struct {
	m *xsync.MapOf[string, *routeCounter]
}

func newRouteStats() *routeStats {
	return &routeStats{m: xsync.NewMapOf[string, *routeCounter]()}
}

func (rs *routeStats) observe(key string, status int, d time.Duration) {
	c, _ := rs.m.LoadOrCompute(key, func() *routeCounter { return &routeCounter{} })
	c.requests.Add(1)
	if status >= http.StatusInternalServerError {
		c.errors.Add(1)
	}
	c.totalNs.Add(d.Nanoseconds())
}

// snapshot returns the counters as plain values.
func (rs *routeStats) snapshot() map[string]RouteMetrics {
	out := make(map[string]RouteMetrics, rs.m.Size())
	rs.m.Range(func(key string, c *routeCounter) bool {
		n := c.requests.Load()
		m := RouteMetrics{Requests: n, Errors: c.errors.Load()}
		if n > 0 {
			m.MeanMs = float64(c.totalNs.Load()) / float64(n) / 1e6
		}
		out[key] = m
		return true
	})
	return out
}
