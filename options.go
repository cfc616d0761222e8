package vigil

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported. Callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	ruleSeedPath    string
	logger          *slog.Logger
	version         string
	alertHooks      []AlertHook
	traceHooks      []TraceHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (VIGIL_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRuleSeedPath overrides the YAML rule seed file path from config
// (VIGIL_RULE_SEED_PATH env var).
func WithRuleSeedPath(path string) Option {
	return func(o *resolvedOptions) { o.ruleSeedPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAlertHook registers a hook to receive every newly persisted alert.
// Multiple hooks may be registered; all registered hooks receive every alert.
func WithAlertHook(hook AlertHook) Option {
	return func(o *resolvedOptions) { o.alertHooks = append(o.alertHooks, hook) }
}

// WithTraceHook registers a hook to receive every durably written trace.
// Multiple hooks may be registered.
func WithTraceHook(hook TraceHook) Option {
	return func(o *resolvedOptions) { o.traceHooks = append(o.traceHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the built-in migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
