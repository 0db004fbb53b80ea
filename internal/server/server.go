// Package server exposes the status of a running session over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agleyzer/hlsreader/internal/metrics"
	"github.com/agleyzer/hlsreader/internal/session"
	"github.com/go-chi/chi/v5"
)

// StatsProvider reports the state of a session.
type StatsProvider interface {
	Stats() session.Stats
}

// Server serves health, stats and Prometheus metrics
type Server struct {
	stats      StatsProvider
	metrics    *metrics.Metrics
	port       int
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server. A nil metrics disables /metrics.
func New(stats StatsProvider, m *metrics.Metrics, port int, logger *slog.Logger) *Server {
	return &Server{
		stats:   stats,
		metrics: m,
		port:    port,
		logger:  logger,
	}
}

// Router returns the HTTP handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.metrics.Handler(s.refreshGauges).ServeHTTP(w, r)
		})
	}

	return r
}

// Start starts the HTTP server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Router(),
	}

	go func() {
		s.logger.Info("starting status server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) refreshGauges() {
	st := s.stats.Stats()
	s.metrics.SetBandwidth(st.EstimatedBandwidth)
	s.metrics.SetVariantBandwidth(st.VariantBandwidth)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"stats":  s.stats.Stats(),
	}

	writeJSON(w, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.Stats())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
