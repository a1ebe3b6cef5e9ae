package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/auth"
	"github.com/mattjoyce/procbridge/internal/bridge"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/log"
	"github.com/mattjoyce/procbridge/internal/stats"
)

// Invoker runs one action and reports the call's result.
type Invoker interface {
	Call(ctx context.Context, action string, payload map[string]any) bridge.Result
	Actions() []action.Action
}

// StatsSource provides per-action statistics for GET /stats.
type StatsSource interface {
	Snapshot() []stats.ActionStats
}

// Recorder counts rejected requests.
type Recorder interface {
	Rejected(reason string)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// RateLimitRPS and RateLimitBurst bound /invoke per principal.
	// RateLimitRPS <= 0 disables the limit.
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	// WriteTimeout must exceed the longest worker timeout.
	WriteTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	invoker   Invoker
	events    *events.Hub
	stats     StatsSource
	metrics   http.Handler
	recorder  Recorder
	limiter   *mapLimiter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, invoker Invoker, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Minute
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = log.WithComponent("api")
	} else {
		logger = logger.With("component", "api")
	}
	return &Server{
		config:    config,
		invoker:   invoker,
		events:    hub,
		limiter:   newMapLimiter(config.RateLimitRPS, config.RateLimitBurst, 10*time.Minute),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// WithStats exposes s on GET /stats.
func (s *Server) WithStats(src StatsSource) *Server {
	s.stats = src
	return s
}

// WithMetrics serves h on GET /metrics and reports rejections to rec.
func (s *Server) WithMetrics(h http.Handler, rec Recorder) *Server {
	s.metrics = h
	s.recorder = rec
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	// Run server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeInvokeRO, auth.ScopeInvokeRW), s.rateLimit).Post("/invoke", s.handleInvoke)
		r.With(s.requireScopes(auth.ScopeInvokeRO, auth.ScopeInvokeRW)).Get("/actions", s.handleActions)
		r.With(s.requireScopes(auth.ScopeInvokeRO, auth.ScopeInvokeRW)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeStatsRO)).Get("/stats", s.handleStats)
		if s.metrics != nil {
			r.With(s.requireScopes(auth.ScopeMetricsRO)).Method(http.MethodGet, "/metrics", s.metrics)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) reject(reason string) {
	if s.recorder != nil {
		s.recorder.Rejected(reason)
	}
}
