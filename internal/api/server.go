package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/bridgeconnect/internal/api/middleware"
	"github.com/flowpbx/bridgeconnect/internal/bridge"
	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Orchestrator is what the HTTP layer needs from the bridge orchestrator.
type Orchestrator interface {
	Route(ctx context.Context, ev callcontrol.Event, sessionID string)
	Sessions() []bridge.SessionView
}

// Options configures the HTTP server.
type Options struct {
	// WebhookLimiter rate limits the webhook endpoints per source IP. Nil
	// disables limiting.
	WebhookLimiter *middleware.IPRateLimiter
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// RouteTimeout bounds the processing of one webhook, including every
	// provider command it triggers.
	RouteTimeout time.Duration
	// StartTime is reported by the health endpoint.
	StartTime time.Time
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	handler http.Handler
	orch    Orchestrator
	opts    Options
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(orch Orchestrator, opts Options, logger *slog.Logger) *Server {
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = 30 * time.Second
	}
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}

	s := &Server{
		router: chi.NewRouter(),
		orch:   orch,
		opts:   opts,
		logger: logger.With("subsystem", "api"),
	}
	s.routes()
	s.handler = middleware.Tracing("bridgeconnect")(s.router)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	// Provider webhooks.
	r.Route("/call-control", func(r chi.Router) {
		if s.opts.WebhookLimiter != nil {
			r.Use(middleware.RateLimit(s.opts.WebhookLimiter))
		}
		r.Post("/inbound", s.handleInboundWebhook)
		r.Post("/outbound/{inboundLegID}", s.handleOutboundWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/sessions", s.handleListSessions)
	})

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
