package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigil-ai/vigil/internal/auth"
	"github.com/vigil-ai/vigil/internal/cache"
	"github.com/vigil-ai/vigil/internal/ratelimit"
)

// Server is the Vigil HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Optional fields (nil-safe): Cache, Tokens, Broker, Queue, Limiter.
type Config struct {
	Store    Store
	Ingestor Ingestor
	Cache    cache.Cache
	Tokens   *auth.TokenManager
	Broker   *Broker
	Queue    QueueStats
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger

	APIKeyHash          string
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CacheTTL            time.Duration

	// ExtraRoutes register additional handlers on the shared mux. They run
	// inside the standard middleware chain, so workspace auth applies.
	ExtraRoutes []func(*http.ServeMux)
	// Middlewares wrap the root handler outermost, before routing.
	// First registered is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Ingestor:            cfg.Ingestor,
		Cache:               cfg.Cache,
		Tokens:              cfg.Tokens,
		APIKeyHash:          cfg.APIKeyHash,
		Broker:              cfg.Broker,
		Queue:               cfg.Queue,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CacheTTL:            cfg.CacheTTL,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	intakeRL := ratelimit.Middleware(cfg.Limiter, workspaceKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token issuance (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Trace intake (rate limited by workspace).
	mux.Handle("POST /v1/traces/batch", intakeRL(http.HandlerFunc(h.HandleIngestBatch)))
	mux.Handle("POST /v1/traces", intakeRL(http.HandlerFunc(h.HandleIngestOne)))

	// Alert management.
	mux.HandleFunc("GET /v1/alerts", h.HandleListAlerts)
	mux.HandleFunc("POST /v1/alerts/{id}/acknowledge", h.HandleAcknowledgeAlert)
	mux.HandleFunc("POST /v1/alerts/{id}/resolve", h.HandleResolveAlert)

	// Live alert stream (long-lived connection, no rate limit).
	mux.HandleFunc("GET /v1/alerts/stream", h.HandleSubscribe)

	// Rule listing.
	mux.HandleFunc("GET /v1/alert-rules", h.HandleListRules)

	// Cached workspace aggregates.
	mux.HandleFunc("GET /v1/kpis", h.HandleKPIs)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	authn := Authenticator{Tokens: cfg.Tokens, APIKeyHash: cfg.APIKeyHash}
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(authn, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// workspaceKeyFunc rate limits intake by the authenticated workspace.
func workspaceKeyFunc(r *http.Request) string {
	if ws, ok := WorkspaceFromContext(r.Context()); ok {
		return "workspace:" + ws.String()
	}
	return ""
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
