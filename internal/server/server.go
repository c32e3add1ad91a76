package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/torii/internal/health"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/ratelimit"
	"github.com/ashita-ai/torii/internal/registry"
	"github.com/ashita-ai/torii/internal/store"
)

// Server is the torii HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds the dependencies and settings for the HTTP layer. Broker
// and Supervisor are optional (nil disables the feature).
type Config struct {
	Registry *registry.Registry
	Store    *store.Store
	Verifier TokenVerifier
	Logger   *slog.Logger

	Broker      *Broker
	Supervisor  *health.Supervisor
	RateLimiter ratelimit.Limiter

	Namespace    string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates the HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Registry:   cfg.Registry,
		Store:      cfg.Store,
		Broker:     cfg.Broker,
		Supervisor: cfg.Supervisor,
		Namespace:  cfg.Namespace,
		Logger:     cfg.Logger,
		Version:    cfg.Version,
	})

	mux := http.NewServeMux()

	// Registration surface.
	mux.HandleFunc("POST /v1/servers", h.HandleRegisterServer)
	mux.HandleFunc("GET /v1/servers", h.handleList(model.EntityServer))
	mux.HandleFunc("GET /v1/servers/{path...}", h.handleGet(model.EntityServer))
	mux.HandleFunc("PUT /v1/servers/{path...}", h.HandleUpdateServer)
	mux.HandleFunc("PATCH /v1/servers/{path...}", h.handleToggle(model.EntityServer))
	mux.HandleFunc("DELETE /v1/servers/{path...}", h.handleDelete(model.EntityServer))

	mux.HandleFunc("POST /v1/agents", h.HandleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", h.handleList(model.EntityAgent))
	mux.HandleFunc("GET /v1/agents/{path...}", h.handleGet(model.EntityAgent))
	mux.HandleFunc("PUT /v1/agents/{path...}", h.HandleUpdateAgent)
	mux.HandleFunc("PATCH /v1/agents/{path...}", h.handleToggle(model.EntityAgent))
	mux.HandleFunc("DELETE /v1/agents/{path...}", h.handleDelete(model.EntityAgent))

	// Discovery and policy.
	mux.HandleFunc("POST /v1/search", h.HandleSearch)
	mux.HandleFunc("POST /v1/authorize", h.HandleAuthorize)
	mux.HandleFunc("GET /v1/scopes", h.HandleListScopes)
	mux.HandleFunc("PUT /v1/scopes/{name...}", h.HandlePutScope)
	mux.HandleFunc("DELETE /v1/scopes/{name...}", h.HandleDeleteScope)

	// Audit and operations.
	mux.HandleFunc("GET /v1/scans", h.HandleListScans)
	mux.HandleFunc("POST /v1/health/probe", h.HandleProbeNow)
	mux.HandleFunc("GET /v1/events", h.HandleEvents)

	// Liveness (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain; outermost executes first.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = rateLimitMiddleware(cfg.RateLimiter, cfg.Logger, handler)
	handler = authMiddleware(cfg.Verifier, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests. Blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
