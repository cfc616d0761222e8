// Package vigil is the public API for embedding the Vigil trace telemetry server.
//
// Platform and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := vigil.New(
//	    vigil.WithVersion(version),
//	    vigil.WithLogger(logger),
//	    vigil.WithAlertHook(myPagerHook{}),
//	    vigil.WithExtraRoutes(myAdminRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: vigil (root) imports
// internal/*, but internal/* never imports vigil (root). Public types
// (Trace, Alert) are standalone structs with no internal imports; conversion
// helpers (toPublicTrace, toPublicAlert) live here because this is the only
// file that sees both sides of the boundary.
package vigil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/vigil-ai/vigil/internal/auth"
	"github.com/vigil-ai/vigil/internal/cache"
	"github.com/vigil-ai/vigil/internal/config"
	"github.com/vigil-ai/vigil/internal/detect"
	"github.com/vigil-ai/vigil/internal/ingest"
	"github.com/vigil-ai/vigil/internal/model"
	"github.com/vigil-ai/vigil/internal/ratelimit"
	"github.com/vigil-ai/vigil/internal/rules"
	"github.com/vigil-ai/vigil/internal/server"
	"github.com/vigil-ai/vigil/internal/storage"
	"github.com/vigil-ai/vigil/internal/telemetry"
	"github.com/vigil-ai/vigil/internal/writer"
	"github.com/vigil-ai/vigil/migrations"
)

// App is the Vigil server lifecycle. Construct with New(), run with Run().
// App has no public fields. Use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	queue        *ingest.MemoryQueue
	wr           *writer.Writer
	queryCache   *cache.Memory
	limiter      ratelimit.Limiter
	deadLetter   *writer.DeadLetterStore
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Vigil server. It connects to the database, runs
// migrations, seeds rules, and wires all subsystems into a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections. Call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.ruleSeedPath != "" {
		cfg.RuleSeedPath = o.ruleSeedPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("vigil starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	fail := func(err error) (*App, error) {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Run built-in migrations, then any extra (embedder-supplied) ones.
	if cfg.MigrateOnStart {
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
	} else {
		logger.Info("embedded migrations skipped by config")
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Seed rules from the optional YAML file. Upserts are keyed by
	// (workspace, rule_name) so restarts converge.
	if err := rules.SeedFromPath(context.Background(), db, cfg.RuleSeedPath, logger); err != nil {
		return fail(fmt.Errorf("rule seed: %w", err))
	}

	// Token manager (optional; without it the dev header fallback applies).
	var tokens *auth.TokenManager
	if cfg.JWTSecret != "" {
		tokens, err = auth.NewTokenManager(cfg.JWTSecret, cfg.JWTExpiration)
		if err != nil {
			return fail(fmt.Errorf("auth: %w", err))
		}
	} else {
		logger.Warn("no VIGIL_JWT_SECRET configured, trusting X-Workspace-ID header (not for production)")
	}

	// Query cache with workspace-prefixed keys.
	queryCache := cache.NewMemory(cfg.CacheSweepInterval)
	queryCache.RegisterMetrics()

	// Ingest queue and frontier.
	queue := ingest.NewMemoryQueue(cfg.QueueCapacity)
	queue.RegisterMetrics()
	frontier := ingest.NewFrontier(queue, logger, cfg.MaxInFlightWorkspace)

	// Alert broker for SSE subscribers.
	broker := server.NewBroker(logger)

	// Detection engine. New alerts go to the broker, drop the workspace's
	// cached aggregates, and fan out to registered alert hooks.
	engine := detect.NewEngine(db, db, logger)
	alertHooks := o.alertHooks
	engine.OnViolation(func(v model.Violation) {
		broker.Publish(v)
		if _, err := queryCache.Invalidate(context.Background(),
			"workspace:"+v.WorkspaceID.String()+":*"); err != nil {
			logger.Warn("cache invalidation failed", "workspace_id", v.WorkspaceID, "error", err)
		}
		if len(alertHooks) > 0 {
			fireAlertHooks(alertHooks, logger, toPublicAlert(v))
		}
	})

	// Optional sqlite dead-letter store for traces that fail every write path.
	var deadLetter *writer.DeadLetterStore
	var deadLetterSink writer.DeadLetterSink
	if cfg.DeadLetterPath != "" {
		deadLetter, err = writer.OpenDeadLetterStore(cfg.DeadLetterPath)
		if err != nil {
			queryCache.Close()
			return fail(fmt.Errorf("dead letter store: %w", err))
		}
		deadLetterSink = deadLetter
		logger.Info("dead letter store enabled", "path", cfg.DeadLetterPath)
	}

	// Durable writer: consumes the queue, writes in batches, releases the
	// frontier's in-flight budget, invalidates read caches, and hands each
	// written trace to the detection engine and trace hooks.
	traceHooks := o.traceHooks
	wr := writer.New(writer.Config{
		Store:        db,
		Messages:     queue.Messages(),
		Logger:       logger,
		BatchSize:    cfg.WriterBatchSize,
		FlushTimeout: cfg.WriterFlushTimeout,
		Release:      frontier.Release,
		DeadLetter:   deadLetterSink,
		OnTrace: func(ctx context.Context, t model.Trace) {
			if _, err := queryCache.Invalidate(ctx,
				"workspace:"+t.WorkspaceID.String()+":*"); err != nil {
				logger.Warn("cache invalidation failed", "workspace_id", t.WorkspaceID, "error", err)
			}
			if err := engine.Evaluate(ctx, t); err != nil {
				logger.Warn("rule evaluation failed", "trace_id", t.TraceID, "error", err)
			}
			if len(traceHooks) > 0 {
				fireTraceHooks(traceHooks, logger, toPublicTrace(t))
			}
		},
	})

	// Rate limiter for the intake routes.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Adapt public extension points to the internal server types.
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, (func(http.Handler) http.Handler)(mw))
	}

	srv := server.New(server.Config{
		Store:               db,
		Ingestor:            frontier,
		Cache:               queryCache,
		Tokens:              tokens,
		Broker:              broker,
		Queue:               queue,
		Limiter:             limiter,
		Logger:              logger,
		APIKeyHash:          cfg.APIKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CacheTTL:            cfg.CacheTTL,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		queue:        queue,
		wr:           wr,
		queryCache:   queryCache,
		limiter:      limiter,
		deadLetter:   deadLetter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the writer and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically. Callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Detach from the caller's context: the writer must keep flushing during
	// shutdown until the queue is closed and drained.
	a.wr.Start(context.WithoutCancel(ctx))

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight handlers, which may
// still publish to the queue,
// (2) close the queue so the writer sees the end of the stream,
// (3) wait for the writer to flush everything accepted.
// It then closes the cache, rate limiter, dead-letter store, database pool,
// and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("vigil shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.queue.Close()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.wr.Drain(drainCtx)
	drainCancel()

	a.queryCache.Close()
	_ = a.limiter.Close()
	if a.deadLetter != nil {
		_ = a.deadLetter.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("vigil stopped", "written", a.wr.Written(), "failed", a.wr.Failed())
	return nil
}

// ── Hook dispatch ──────────────────────────────────────────────────────────────

// fireAlertHooks runs every hook in one goroutine with a bounded context.
// Hook failures are logged and never propagate to the pipeline.
func fireAlertHooks(hooks []AlertHook, logger *slog.Logger, alert Alert) {
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnAlert(hookCtx, alert); err != nil {
				logger.Warn("alert hook failed", "alert_id", alert.ID, "error", err)
			}
		}
	}()
}

func fireTraceHooks(hooks []TraceHook, logger *slog.Logger, trace Trace) {
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnTraceWritten(hookCtx, trace); err != nil {
				logger.Warn("trace hook failed", "trace_id", trace.TraceID, "error", err)
			}
		}
	}()
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicTrace converts an internal model.Trace to the public vigil.Trace.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toPublicTrace(t model.Trace) Trace {
	return Trace{
		TraceID:     t.TraceID,
		WorkspaceID: t.WorkspaceID,
		AgentID:     t.AgentID,
		Timestamp:   t.Timestamp,
		LatencyMS:   t.LatencyMS,
		Model:       t.Model,
		Status:      string(t.Status),
		Error:       t.Error,
		TokensTotal: t.TokensTotal,
		CostUSD:     t.CostUSD,
		Tags:        t.Tags,
		Metadata:    t.Metadata,
	}
}

// toPublicAlert converts an internal model.Violation to the public vigil.Alert.
func toPublicAlert(v model.Violation) Alert {
	return Alert{
		ID:          v.ID,
		WorkspaceID: v.WorkspaceID,
		TraceID:     v.TraceID,
		RuleID:      v.RuleID,
		Type:        string(v.Type),
		Severity:    string(v.Severity),
		Message:     v.Message,
		Status:      string(v.Status),
		Metadata:    v.Metadata,
		DetectedAt:  v.DetectedAt,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
