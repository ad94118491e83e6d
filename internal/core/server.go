// Package core provides the API chassis for rotarydesk. It builds a chi
// router and enforces the cross-cutting concerns (recovery, request ids,
// logging, CORS, metrics and authentication) before requests reach the
// domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rotarydesk/internal/config"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	// RecordRequest records latency and count for one request. endpoint is
	// the matched route pattern, not the raw path.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of handlers onto the /v1 router.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the HTTP API.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	RateLimiter   RateLimitStore

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	HealthProbes      []HealthProbe
	V1RouteRegistrars []RouteRegistrar
	ShutdownFuncs     []func(context.Context) error

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted separately via MountRoutes
// so tests can register their own.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs the registered shutdown hooks in reverse order and returns
// the first error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	var first error
	for i := len(s.ShutdownFuncs) - 1; i >= 0; i-- {
		if err := s.ShutdownFuncs[i](ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			if first == nil {
				first = err
			}
		}
	}
	s.Logger.Info("server shutdown complete")
	return first
}
