// Package model defines the core domain types for Vigil.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBatchTooLarge is returned by ValidateBatch when a batch exceeds
// MaxBatchSize. It is a capacity error: the caller should split the batch,
// not fix individual traces.
var ErrBatchTooLarge = errors.New("model: batch exceeds maximum size")

// TraceStatus is the terminal outcome of one agent execution.
type TraceStatus string

const (
	TraceStatusSuccess TraceStatus = "success"
	TraceStatusError   TraceStatus = "error"
)

// Intake limits. A batch above MaxBatchSize is rejected before any element
// is validated; a trace with more than MaxTags tags is rejected outright.
const (
	MaxBatchSize = 100
	MaxTags      = 10
)

// Trace is one recorded execution event from an LLM agent.
// Source of truth. Never mutated or deleted.
type Trace struct {
	TraceID       string         `json:"trace_id"`
	WorkspaceID   uuid.UUID      `json:"workspace_id"`
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	LatencyMS     int64          `json:"latency_ms"`
	Model         string         `json:"model"`
	ModelProvider string         `json:"model_provider,omitempty"`
	Status        TraceStatus    `json:"status"`
	Error         *string        `json:"error,omitempty"`
	Input         string         `json:"input,omitempty"`
	Output        string         `json:"output,omitempty"`
	TokensInput   int64          `json:"tokens_input"`
	TokensOutput  int64          `json:"tokens_output"`
	TokensTotal   int64          `json:"tokens_total"`
	CostUSD       float64        `json:"cost_usd"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TraceInput is the raw intake representation of a trace before validation.
// WorkspaceID is a string here because the caller may send anything; the
// validator promotes it to a uuid.UUID.
type TraceInput struct {
	TraceID       string         `json:"trace_id"`
	WorkspaceID   string         `json:"workspace_id"`
	AgentID       string         `json:"agent_id"`
	Timestamp     *time.Time     `json:"timestamp,omitempty"`
	LatencyMS     int64          `json:"latency_ms"`
	Model         string         `json:"model"`
	ModelProvider string         `json:"model_provider,omitempty"`
	Status        string         `json:"status"`
	Error         *string        `json:"error,omitempty"`
	Input         string         `json:"input,omitempty"`
	Output        string         `json:"output,omitempty"`
	TokensInput   int64          `json:"tokens_input"`
	TokensOutput  int64          `json:"tokens_output"`
	TokensTotal   int64          `json:"tokens_total"`
	CostUSD       float64        `json:"cost_usd"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ValidationError describes exactly which constraint a trace input violated.
// It is surfaced to callers in the `detail` field of error payloads and is
// never retried.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Detail)
}

// ValidateTrace checks a raw trace input and promotes it to a Trace.
//
// Checks run in a fixed order and short-circuit at the first failure:
// trace_id non-empty, workspace_id is a valid UUID, latency_ms >= 0,
// tags length <= MaxTags, then remaining required fields. The function is
// pure: no side effects, same input always yields the same result.
func ValidateTrace(in TraceInput) (Trace, error) {
	if in.TraceID == "" {
		return Trace{}, &ValidationError{Field: "trace_id", Detail: "must not be empty"}
	}
	workspaceID, err := uuid.Parse(in.WorkspaceID)
	if err != nil {
		return Trace{}, &ValidationError{Field: "workspace_id", Detail: fmt.Sprintf("invalid UUID %q", in.WorkspaceID)}
	}
	if in.LatencyMS < 0 {
		return Trace{}, &ValidationError{Field: "latency_ms", Detail: fmt.Sprintf("must be >= 0, got %d", in.LatencyMS)}
	}
	if len(in.Tags) > MaxTags {
		return Trace{}, &ValidationError{Field: "tags", Detail: fmt.Sprintf("at most %d tags allowed, got %d", MaxTags, len(in.Tags))}
	}
	if in.AgentID == "" {
		return Trace{}, &ValidationError{Field: "agent_id", Detail: "must not be empty"}
	}
	if in.Model == "" {
		return Trace{}, &ValidationError{Field: "model", Detail: "must not be empty"}
	}
	status := TraceStatus(in.Status)
	if status != TraceStatusSuccess && status != TraceStatusError {
		return Trace{}, &ValidationError{Field: "status", Detail: fmt.Sprintf("must be %q or %q, got %q", TraceStatusSuccess, TraceStatusError, in.Status)}
	}

	now := time.Now().UTC()
	ts := now
	if in.Timestamp != nil {
		ts = in.Timestamp.UTC()
	}

	return Trace{
		TraceID:       in.TraceID,
		WorkspaceID:   workspaceID,
		AgentID:       in.AgentID,
		Timestamp:     ts,
		LatencyMS:     in.LatencyMS,
		Model:         in.Model,
		ModelProvider: in.ModelProvider,
		Status:        status,
		Error:         in.Error,
		Input:         in.Input,
		Output:        in.Output,
		TokensInput:   in.TokensInput,
		TokensOutput:  in.TokensOutput,
		TokensTotal:   in.TokensTotal,
		CostUSD:       in.CostUSD,
		Tags:          in.Tags,
		Metadata:      in.Metadata,
		CreatedAt:     now,
	}, nil
}

// ValidateBatch validates every element of a batch in order.
//
// The batch size limit is checked before any element. A batch of zero traces
// is a valid no-op. On element failure the returned error wraps the
// offending index; no partially validated result is returned, so callers
// can treat acceptance as all-or-nothing.
func ValidateBatch(inputs []TraceInput) ([]Trace, error) {
	if len(inputs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d, maximum %d", ErrBatchTooLarge, len(inputs), MaxBatchSize)
	}
	if len(inputs) == 0 {
		return []Trace{}, nil
	}
	traces := make([]Trace, len(inputs))
	for i, in := range inputs {
		t, err := ValidateTrace(in)
		if err != nil {
			return nil, fmt.Errorf("trace[%d]: %w", i, err)
		}
		traces[i] = t
	}
	return traces, nil
}
