package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType distinguishes the detector family that produced a violation.
type ViolationType string

const (
	ViolationTypeThreshold ViolationType = "threshold"
	ViolationTypeGuardrail ViolationType = "guardrail"
)

// ViolationStatus is the alert lifecycle state. Transitions are monotonic
// and driven by human action only: open -> acknowledged -> resolved.
type ViolationStatus string

const (
	ViolationStatusOpen         ViolationStatus = "open"
	ViolationStatusAcknowledged ViolationStatus = "acknowledged"
	ViolationStatusResolved     ViolationStatus = "resolved"
)

// statusRank orders lifecycle states so transitions can be checked for
// monotonicity without enumerating every pair.
var statusRank = map[ViolationStatus]int{
	ViolationStatusOpen:         0,
	ViolationStatusAcknowledged: 1,
	ViolationStatusResolved:     2,
}

// Valid reports whether s is a known lifecycle state.
func (s ViolationStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether moving from s to next is a forward step.
// A same-state transition returns false; callers treat it as an idempotent
// no-op rather than an error.
func (s ViolationStatus) CanTransition(next ViolationStatus) bool {
	from, okFrom := statusRank[s]
	to, okTo := statusRank[next]
	return okFrom && okTo && to > from
}

// Violation is the record produced when a trace matches an enabled rule.
// Created at-most-once per (rule_id, trace_id); the database enforces the
// uniqueness as a backstop to the engine's existence check.
type Violation struct {
	ID          uuid.UUID       `json:"id"`
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	TraceID     string          `json:"trace_id"`
	RuleID      uuid.UUID       `json:"rule_id"`
	Type        ViolationType   `json:"type"`
	Severity    Severity        `json:"severity"`
	Message     string          `json:"message"`
	DetectedAt  time.Time       `json:"detected_at"`
	Status      ViolationStatus `json:"status"`

	// Guardrail detections only.
	OriginalContent *string `json:"original_content,omitempty"`
	RedactedContent *string `json:"redacted_content,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}
