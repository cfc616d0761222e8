package vigil

import (
	"time"

	"github.com/google/uuid"
)

// Trace is the public representation of one recorded agent execution.
// It is a curated view of the internal trace record with no internal
// package imports, safe to use from outside the module.
type Trace struct {
	TraceID     string
	WorkspaceID uuid.UUID
	AgentID     string
	Timestamp   time.Time
	LatencyMS   int64
	Model       string
	Status      string // success | error
	Error       *string
	TokensTotal int64
	CostUSD     float64
	Tags        []string
	Metadata    map[string]any
}

// Alert is the public representation of a rule violation.
type Alert struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	TraceID     string
	RuleID      uuid.UUID
	// Type is the detector family that produced the alert: threshold | guardrail.
	Type     string
	Severity string // critical | high | medium | low
	Message  string
	Status   string // open | acknowledged | resolved
	// Metadata carries detector specifics: metric/value/threshold for
	// threshold alerts, pii_types/fields for guardrail alerts.
	Metadata   map[string]any
	DetectedAt time.Time
}
