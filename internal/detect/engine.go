package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-ai/vigil/internal/model"
	"github.com/vigil-ai/vigil/internal/storage"
)

// RuleStore loads the enabled rule set for a workspace.
type RuleStore interface {
	EnabledThresholdRules(ctx context.Context, workspaceID uuid.UUID) ([]model.ThresholdRule, error)
	EnabledGuardrailRules(ctx context.Context, workspaceID uuid.UUID) ([]model.GuardrailRule, error)
}

// ViolationStore persists detections. InsertViolation must return
// storage.ErrDuplicate when (rule_id, trace_id) already exists.
type ViolationStore interface {
	ViolationExists(ctx context.Context, ruleID uuid.UUID, traceID string) (bool, error)
	InsertViolation(ctx context.Context, v model.Violation) error
}

// Engine evaluates one trace against every enabled rule in its workspace.
// Rules are evaluated independently: a failing rule is logged and skipped,
// never aborting the remaining rules or the trace write.
type Engine struct {
	rules      RuleStore
	violations ViolationStore
	logger     *slog.Logger

	// onViolation fires after a violation is persisted for the first time.
	// Duplicate detections do not re-fire it.
	onViolation func(model.Violation)
}

func NewEngine(rules RuleStore, violations ViolationStore, logger *slog.Logger) *Engine {
	return &Engine{
		rules:      rules,
		violations: violations,
		logger:     logger,
	}
}

// OnViolation registers a hook invoked once per newly persisted violation.
// Must be called before the engine starts receiving traces.
func (e *Engine) OnViolation(fn func(model.Violation)) {
	e.onViolation = fn
}

// Evaluate runs every enabled rule in the trace's workspace against the
// trace. It returns an error only when the rule set itself cannot be
// loaded; individual rule failures are isolated.
func (e *Engine) Evaluate(ctx context.Context, t model.Trace) error {
	thresholds, err := e.rules.EnabledThresholdRules(ctx, t.WorkspaceID)
	if err != nil {
		return fmt.Errorf("detect: load threshold rules: %w", err)
	}
	guardrails, err := e.rules.EnabledGuardrailRules(ctx, t.WorkspaceID)
	if err != nil {
		return fmt.Errorf("detect: load guardrail rules: %w", err)
	}

	for _, rule := range thresholds {
		if err := e.evalThreshold(ctx, rule, t); err != nil {
			e.logger.Warn("threshold rule evaluation failed",
				"rule_id", rule.ID,
				"rule_name", rule.RuleName,
				"trace_id", t.TraceID,
				"error", err)
		}
	}
	for _, rule := range guardrails {
		if err := e.evalGuardrail(ctx, rule, t); err != nil {
			e.logger.Warn("guardrail rule evaluation failed",
				"rule_id", rule.ID,
				"rule_name", rule.RuleName,
				"trace_id", t.TraceID,
				"error", err)
		}
	}
	return nil
}

func (e *Engine) evalThreshold(ctx context.Context, rule model.ThresholdRule, t model.Trace) error {
	det, err := NewThresholdDetector(rule)
	if err != nil {
		return err
	}
	value, err := MetricValue(rule.Metric, t)
	if err != nil {
		return err
	}
	if !det.Check(value) {
		return nil
	}
	v := model.Violation{
		ID:          uuid.New(),
		WorkspaceID: t.WorkspaceID,
		TraceID:     t.TraceID,
		RuleID:      rule.ID,
		Type:        model.ViolationTypeThreshold,
		Severity:    rule.Severity,
		Message: fmt.Sprintf("%s: %s %v exceeded threshold (%s %v)",
			rule.RuleName, rule.Metric, value, rule.Condition, rule.Threshold),
		DetectedAt: time.Now().UTC(),
		Status:     model.ViolationStatusOpen,
		Metadata: map[string]any{
			"metric":    rule.Metric,
			"value":     value,
			"threshold": rule.Threshold,
			"condition": string(rule.Condition),
		},
	}
	return e.record(ctx, v)
}

func (e *Engine) evalGuardrail(ctx context.Context, rule model.GuardrailRule, t model.Trace) error {
	det, err := NewGuardrailDetector(rule)
	if err != nil {
		return err
	}
	results := det.Scan(t)
	if len(results) == 0 {
		return nil
	}

	// One violation per rule per trace. The first hit carries the content;
	// every matched category lands in the metadata.
	first := results[0]
	categories := make([]string, 0, 4)
	seen := make(map[string]struct{})
	fields := make([]string, 0, len(results))
	for _, r := range results {
		fields = append(fields, r.Field)
		for _, c := range r.Categories {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			categories = append(categories, c)
		}
	}

	v := model.Violation{
		ID:          uuid.New(),
		WorkspaceID: t.WorkspaceID,
		TraceID:     t.TraceID,
		RuleID:      rule.ID,
		Type:        model.ViolationTypeGuardrail,
		Severity:    rule.Severity,
		Message: fmt.Sprintf("%s: detected %s in %s",
			rule.RuleName, categories[0], first.Field),
		DetectedAt:      time.Now().UTC(),
		Status:          model.ViolationStatusOpen,
		OriginalContent: &first.Original,
		RedactedContent: &first.Redacted,
		Metadata: map[string]any{
			"pii_type":  categories[0],
			"pii_types": categories,
			"fields":    fields,
		},
	}
	return e.record(ctx, v)
}

// record persists v once. The existence check avoids most duplicate insert
// attempts; the unique index on (rule_id, trace_id) closes the race.
func (e *Engine) record(ctx context.Context, v model.Violation) error {
	exists, err := e.violations.ViolationExists(ctx, v.RuleID, v.TraceID)
	if err != nil {
		return fmt.Errorf("detect: check existing violation: %w", err)
	}
	if exists {
		return nil
	}
	if err := e.violations.InsertViolation(ctx, v); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("detect: insert violation: %w", err)
	}
	e.logger.Info("violation recorded",
		"violation_id", v.ID,
		"workspace_id", v.WorkspaceID,
		"trace_id", v.TraceID,
		"rule_id", v.RuleID,
		"type", v.Type,
		"severity", v.Severity)
	if e.onViolation != nil {
		e.onViolation(v)
	}
	return nil
}
