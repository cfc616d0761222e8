package vigil

import (
	"context"
	"net/http"
)

// AlertHook receives async notifications when a new alert is persisted.
// Multiple hooks may be registered via multiple WithAlertHook calls.
// Hook methods run in goroutines and must not block indefinitely; failures
// are logged but never fail trace ingestion.
type AlertHook interface {
	OnAlert(ctx context.Context, alert Alert) error
}

// TraceHook receives async notifications after a trace is durably written.
// Same delivery semantics as AlertHook.
type TraceHook interface {
	OnTraceWritten(ctx context.Context, trace Trace) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Registered routes share the mux, workspace auth chain, and OTEL
// instrumentation with the built-in routes. Called once during New()
// after all built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler. Applied outermost, before
// routing, so it sees all requests including /health. Multiple middlewares
// are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
