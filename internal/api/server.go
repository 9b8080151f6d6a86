// Package api exposes the HTTP surface: signal ingestion, the urgency
// queue, case workflow endpoints, student trend reads, and rule
// management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opencampus-edu/kestrel/internal/dispatch"
	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/lifecycle"
	"github.com/opencampus-edu/kestrel/internal/rules"
	"github.com/opencampus-edu/kestrel/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, pipeline *worker.Pipeline, cases *lifecycle.Manager, dispatcher *dispatch.Dispatcher, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, pipeline, cases, dispatcher, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for dashboard clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Signal ingestion
	router.Post("/signals", handler.IngestSignal)
	router.Post("/signals/bulk", handler.IngestBulk)

	// Urgency queue
	router.Get("/queue", handler.Queue)

	// Case workflow
	router.Get("/cases/{id}", handler.GetCase)
	router.Post("/cases/{id}/transition", handler.TransitionCase)
	router.Post("/cases/{id}/acknowledge", handler.AcknowledgeCase)
	router.Post("/cases/{id}/notify", handler.NotifyCase)

	// Student reads
	router.Get("/students/{id}/trend", handler.StudentTrend)
	router.Get("/students/{id}/signals", handler.StudentSignals)
	router.Get("/students/{id}/assessments", handler.StudentAssessments)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
