package model

import (
	"time"

	"github.com/google/uuid"
)

// Condition is the comparison a threshold rule applies to a metric value.
type Condition string

const (
	ConditionGreaterThan Condition = "greater_than"
	ConditionLessThan    Condition = "less_than"
	ConditionEquals      Condition = "equals"
)

// Valid reports whether the condition is one of the known comparisons.
func (c Condition) Valid() bool {
	switch c {
	case ConditionGreaterThan, ConditionLessThan, ConditionEquals:
		return true
	}
	return false
}

// Severity classifies how serious a rule violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Metric names accepted by threshold rules. latency_p99 is evaluated against
// the per-trace latency today; the name is kept for forward compatibility
// with aggregate evaluation.
const (
	MetricLatencyMS   = "latency_ms"
	MetricLatencyP99  = "latency_p99"
	MetricErrorRate   = "error_rate"
	MetricCostUSD     = "cost_usd"
	MetricTokensTotal = "tokens_total"
)

// ThresholdRule is a stateless numeric-comparison rule: evaluation depends
// only on the rule and one input value extracted from a trace.
type ThresholdRule struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	RuleName    string    `json:"rule_name"`
	Metric      string    `json:"metric"`
	Threshold   float64   `json:"threshold"`
	Condition   Condition `json:"condition"`
	Severity    Severity  `json:"severity"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GuardrailRule is a pattern-based sensitive-content rule. Config carries
// the pattern/strategy parameters for the rule type (e.g. which PII
// categories a "pii" rule scans for).
type GuardrailRule struct {
	ID          uuid.UUID      `json:"id"`
	WorkspaceID uuid.UUID      `json:"workspace_id"`
	RuleName    string         `json:"rule_name"`
	RuleType    string         `json:"rule_type"`
	Severity    Severity       `json:"severity"`
	Enabled     bool           `json:"enabled"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// GuardrailRuleTypePII is the only guardrail rule type evaluated today.
const GuardrailRuleTypePII = "pii"
