// Package server exposes the operational HTTP surface of the watch loop:
// health, Prometheus metrics and read-only views of stored cycles and the
// audit log.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/cyclearb/internal/server/handler"
	"github.com/alanyoungcy/cyclearb/internal/server/middleware"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = time.Minute
)

// Config holds the HTTP server configuration.
type Config struct {
	Port   int
	APIKey string // empty disables /api authentication
}

// Handlers are the routes the server mounts. A nil Cycles, Audit or Metrics
// leaves its route unregistered.
type Handlers struct {
	Health  *handler.HealthHandler
	Cycles  *handler.CycleHandler
	Audit   *handler.AuditHandler
	Metrics http.Handler
}

// Server serves health, metrics and the /api views.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the route table and wraps it in request logging. Only
// /api is behind the API key.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	return &Server{
		srv: &http.Server{
			Addr:         net.JoinHostPort("", strconv.Itoa(cfg.Port)),
			Handler:      middleware.Logging(logger)(routes(cfg.APIKey, h)),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
		logger: logger,
	}
}

func routes(apiKey string, h Handlers) http.Handler {
	api := http.NewServeMux()
	if h.Cycles != nil {
		api.HandleFunc("GET /api/cycles", h.Cycles.ListRecent)
	}
	if h.Audit != nil {
		api.HandleFunc("GET /api/audit", h.Audit.List)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", h.Health.HealthCheck)
	if h.Metrics != nil {
		root.Handle("GET /metrics", h.Metrics)
	}
	root.Handle("/api/", middleware.Auth(apiKey)(api))
	return root
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start listens until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("server: listen on %s: %w", s.srv.Addr, err)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("draining connections")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
