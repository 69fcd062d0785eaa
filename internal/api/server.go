// Package api exposes the flow engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/events"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
)

// Server provides the REST surface for session management.
type Server struct {
	router   chi.Router
	flows    FlowService
	insights core.InsightStore
	bus      *events.Bus
	log      *logging.Logger

	requestTimeout time.Duration
	allowedOrigins []string
	defaultPhases  []core.Phase
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.requestTimeout = d }
}

// WithAllowedOrigins restricts CORS origins.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithDefaultPhases sets the phase selection used when a create request
// does not name phases.
func WithDefaultPhases(phases []core.Phase) ServerOption {
	return func(s *Server) { s.defaultPhases = phases }
}

// NewServer creates an API server over the flow service.
func NewServer(flows FlowService, insights core.InsightStore, bus *events.Bus, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		flows:          flows,
		insights:       insights,
		bus:            bus,
		log:            log,
		requestTimeout: 60 * time.Second,
		allowedOrigins: []string{"*"},
		defaultPhases:  core.AllPhases(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))
			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleCreateSession)
			r.Post("/sessions/archive", s.handleArchiveSessions)
			r.Get("/sessions/{sessionID}", s.handleGetSession)
			r.Post("/sessions/{sessionID}/pause", s.handlePause)
			r.Get("/sessions/{sessionID}/insights", s.handleListInsights)
		})

		// Advance and resume run a phase synchronously and the event
		// stream is long-lived; all three stay outside the request
		// timeout. Phase work is bounded by the phase deadline instead.
		r.Post("/sessions/{sessionID}/advance", s.handleAdvance)
		r.Post("/sessions/{sessionID}/resume", s.handleResume)
		r.Get("/events", s.handleSSE)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("starting API server", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
