package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Detail carries the validation
// constraint that failed, when there is one.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

// IngestBatchRequest is the request body for POST /v1/traces/batch.
type IngestBatchRequest struct {
	Traces []TraceInput `json:"traces"`
}

// IngestAccepted is the response for trace intake. Status is "accepted",
// not "written": the durable write completes asynchronously.
type IngestAccepted struct {
	Accepted   int      `json:"accepted"`
	MessageIDs []string `json:"message_ids"`
}

// AlertListResponse is the response for GET /v1/alerts.
type AlertListResponse struct {
	Alerts []Violation `json:"alerts"`
	Total  int         `json:"total"`
}

// RuleListResponse is the response for GET /v1/alert-rules.
type RuleListResponse struct {
	Rules []ThresholdRule `json:"rules"`
}

// AcknowledgeRequest is the request body for POST /v1/alerts/{id}/acknowledge.
type AcknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// AcknowledgeResponse confirms an alert acknowledgment.
type AcknowledgeResponse struct {
	ID             uuid.UUID       `json:"id"`
	Status         ViolationStatus `json:"status"`
	AcknowledgedBy string          `json:"acknowledged_by"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	WorkspaceID string `json:"workspace_id"`
	APIKey      string `json:"api_key"`
}

// AuthTokenResponse carries a freshly issued workspace token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	QueueDepth  int    `json:"queue_depth"`
	QueueStatus string `json:"queue_status"`
	Uptime      int64  `json:"uptime_seconds"`
}

// WorkspaceKPIs are the cached per-workspace aggregates served by
// GET /v1/kpis.
type WorkspaceKPIs struct {
	WorkspaceID  uuid.UUID `json:"workspace_id"`
	TraceCount   int64     `json:"trace_count"`
	ErrorCount   int64     `json:"error_count"`
	ErrorRate    float64   `json:"error_rate"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	MaxLatencyMS int64     `json:"max_latency_ms"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	OpenAlerts   int64     `json:"open_alerts"`
}
