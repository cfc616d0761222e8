package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-ai/vigil/internal/auth"
	"github.com/vigil-ai/vigil/internal/cache"
	"github.com/vigil-ai/vigil/internal/ingest"
	"github.com/vigil-ai/vigil/internal/model"
	"github.com/vigil-ai/vigil/internal/storage"
)

// Ingestor accepts raw traces into the pipeline.
type Ingestor interface {
	IngestBatch(ctx context.Context, inputs []model.TraceInput) (model.IngestAccepted, error)
	IngestOne(ctx context.Context, input model.TraceInput) (string, error)
}

// Store is the query side of the storage layer the handlers read from.
type Store interface {
	Ping(ctx context.Context) error
	ListViolations(ctx context.Context, workspaceID uuid.UUID, status *model.ViolationStatus, limit, offset int) ([]model.Violation, int, error)
	AcknowledgeViolation(ctx context.Context, workspaceID, id uuid.UUID, actor string) (model.Violation, error)
	ResolveViolation(ctx context.Context, workspaceID, id uuid.UUID) (model.Violation, error)
	ListThresholdRules(ctx context.Context, workspaceID uuid.UUID) ([]model.ThresholdRule, error)
	WorkspaceKPIs(ctx context.Context, workspaceID uuid.UUID) (model.WorkspaceKPIs, error)
}

// QueueStats exposes queue depth for the health endpoint.
type QueueStats interface {
	Len() int
	Capacity() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	ingestor            Ingestor
	cache               cache.Cache
	tokens              *auth.TokenManager
	apiKeyHash          string
	broker              *Broker
	queue               QueueStats
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	cacheTTL            time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Cache, Tokens, Broker, Queue.
type HandlersDeps struct {
	Store               Store
	Ingestor            Ingestor
	Cache               cache.Cache
	Tokens              *auth.TokenManager
	APIKeyHash          string
	Broker              *Broker
	Queue               QueueStats
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	CacheTTL            time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		ingestor:            d.Ingestor,
		cache:               d.Cache,
		tokens:              d.Tokens,
		apiKeyHash:          d.APIKeyHash,
		broker:              d.Broker,
		queue:               d.Queue,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		cacheTTL:            d.CacheTTL,
	}
}

// HandleAuthToken handles POST /auth/token: exchanges the configured API key
// for a workspace-scoped JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil || h.apiKeyHash == "" {
		writeError(w, r, http.StatusNotImplemented, model.ErrCodeInternalError, "token issuance not configured")
		return
	}

	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	workspaceID, err := uuid.Parse(req.WorkspaceID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid workspace_id")
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, h.apiKeyHash)
	if err != nil || !ok {
		if err != nil {
			auth.DummyVerify()
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := h.tokens.IssueToken(workspaceID)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// HandleIngestBatch handles POST /v1/traces/batch. The batch is accepted
// all-or-nothing; a 202 means every trace was validated and enqueued, not
// that it has been written.
func (h *Handlers) HandleIngestBatch(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no workspace in context")
		return
	}

	var req model.IngestBatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	inputs, err := scopeInputs(req.Traces, workspaceID)
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
		return
	}

	res, err := h.ingestor.IngestBatch(r.Context(), inputs)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, res)
}

// HandleIngestOne handles POST /v1/traces.
func (h *Handlers) HandleIngestOne(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no workspace in context")
		return
	}

	var input model.TraceInput
	if err := decodeJSON(w, r, &input, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	scoped, err := scopeInputs([]model.TraceInput{input}, workspaceID)
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
		return
	}

	id, err := h.ingestor.IngestOne(r.Context(), scoped[0])
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.IngestAccepted{Accepted: 1, MessageIDs: []string{id}})
}

// scopeInputs stamps the authenticated workspace onto each input. An input
// that names a different workspace is a cross-tenant write attempt.
func scopeInputs(inputs []model.TraceInput, workspaceID uuid.UUID) ([]model.TraceInput, error) {
	ws := workspaceID.String()
	for i := range inputs {
		if inputs[i].WorkspaceID == "" {
			inputs[i].WorkspaceID = ws
			continue
		}
		if inputs[i].WorkspaceID != ws {
			return nil, errors.New("trace workspace_id does not match authenticated workspace")
		}
	}
	return inputs, nil
}

func (h *Handlers) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *model.ValidationError
	switch {
	case errors.Is(err, model.ErrBatchTooLarge):
		// A capacity error like backpressure, not a validation error: the
		// caller fixes it by splitting the batch, not by fixing a trace.
		writeErrorDetail(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeCapacityExceeded, "batch too large", err.Error())
	case errors.As(err, &vErr):
		writeErrorDetail(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace validation failed", err.Error())
	case errors.Is(err, ingest.ErrBackpressure):
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeCapacityExceeded, "workspace in-flight limit exceeded, retry later")
	case errors.Is(err, ingest.ErrQueueFull):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeCapacityExceeded, "ingest queue at capacity, retry later")
	default:
		h.logger.Error("ingest failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "ingest failed")
	}
}

// HandleListAlerts handles GET /v1/alerts?status=&limit=&offset=.
func (h *Handlers) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no workspace in context")
		return
	}

	var status *model.ViolationStatus
	if s := r.URL.Query().Get("status"); s != "" {
		vs := model.ViolationStatus(s)
		if !vs.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status filter")
			return
		}
		status = &vs
	}
	limit := queryInt(r, "limit", 50, 500)
	offset := queryInt(r, "offset", 0, 1<<30)

	alerts, total, err := h.store.ListViolations(r.Context(), workspaceID, status, limit, offset)
	if err != nil {
		h.logger.Error("list alerts", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []model.Violation{}
	}
	writeJSON(w, r, http.StatusOK, model.AlertListResponse{Alerts: alerts, Total: total})
}

// HandleAcknowledgeAlert handles POST /v1/alerts/{id}/acknowledge.
// Re-acknowledging is an idempotent success; an alert past acknowledged
// cannot move backward and conflicts.
func (h *Handlers) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no workspace in context")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid alert id")
		return
	}

	var req model.AcknowledgeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AcknowledgedBy == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "acknowledged_by is required")
		return
	}

	v, err := h.store.AcknowledgeViolation(r.Context(), workspaceID, id, req.AcknowledgedBy)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "alert not found")
		return
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "alert lifecycle only moves forward")
		return
	case err != nil:
		h.logger.Error("acknowledge alert", "error", err, "alert_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to acknowledge alert")
		return
	}

	h.invalidateWorkspace(r.Context(), workspaceID)
	writeJSON(w, r, http.StatusOK, model.AcknowledgeResponse{
		ID:             v.ID,
		Status:         v.Status,
		AcknowledgedBy: derefStr(v.AcknowledgedBy),
	})
}

// HandleResolveAlert handles POST /v1/alerts/{id}/resolve.
func (h *Handlers) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no workspace in context")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid alert id")
		return
	}

	v, err := h.store.ResolveViolation(r.Context(), workspaceID, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "alert not found")
		return
	case err != nil:
		h.logger.Error("resolve alert", "error", err, "alert_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to resolve alert")
		return
	}

	h.invalidateWorkspace(r.Context(), workspaceID)
	writeJSON(w, r, http.StatusOK, v)
}

// HandleListRules handles GET /v1/alert-rules.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no workspace in context")
		return
	}

	rules, err := h.store.ListThresholdRules(r.Context(), workspaceID)
	if err != nil {
		h.logger.Error("list rules", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []model.ThresholdRule{}
	}
	writeJSON(w, r, http.StatusOK, model.RuleListResponse{Rules: rules})
}

// HandleKPIs handles GET /v1/kpis. Aggregates are served from cache when
// fresh; a miss recomputes from the database and repopulates.
func (h *Handlers) HandleKPIs(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no workspace in context")
		return
	}

	key := kpiCacheKey(workspaceID)
	if h.cache != nil {
		if v, ok := h.cache.Get(r.Context(), key); ok {
			if kpis, ok := v.(model.WorkspaceKPIs); ok {
				writeJSON(w, r, http.StatusOK, kpis)
				return
			}
		}
	}

	kpis, err := h.store.WorkspaceKPIs(r.Context(), workspaceID)
	if err != nil {
		h.logger.Error("workspace kpis", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to compute kpis")
		return
	}
	if h.cache != nil {
		_ = h.cache.Set(r.Context(), key, kpis, h.cacheTTL)
	}
	writeJSON(w, r, http.StatusOK, kpis)
}

// HandleSubscribe handles GET /v1/alerts/stream, a long-lived SSE stream of
// newly recorded alerts for the authenticated workspace.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "alert streaming not available")
		return
	}
	workspaceID, ok := WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no workspace in context")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle SSE connections must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(workspaceID)
	defer h.broker.Unsubscribe(workspaceID, ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Queue health: >50% capacity is high, >75% is critical.
	queueDepth := 0
	queueStatus := "ok"
	if h.queue != nil {
		queueDepth = h.queue.Len()
		capacity := h.queue.Capacity()
		if queueDepth > capacity*3/4 {
			queueStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if queueDepth > capacity/2 {
			queueStatus = "high"
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Postgres:    pgStatus,
		QueueDepth:  queueDepth,
		QueueStatus: queueStatus,
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	})
}

// invalidateWorkspace drops every cached entry for a workspace after a
// write that changes what reads would observe.
func (h *Handlers) invalidateWorkspace(ctx context.Context, workspaceID uuid.UUID) {
	if h.cache == nil {
		return
	}
	if _, err := h.cache.Invalidate(ctx, "workspace:"+workspaceID.String()+":*"); err != nil {
		h.logger.Warn("cache invalidation failed", "workspace_id", workspaceID, "error", err)
	}
}

func kpiCacheKey(workspaceID uuid.UUID) string {
	return "workspace:" + workspaceID.String() + ":kpis"
}

func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
