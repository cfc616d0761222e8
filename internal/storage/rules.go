package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vigil-ai/vigil/internal/model"
)

// ListThresholdRules returns all threshold rules for a workspace, newest first.
func (db *DB) ListThresholdRules(ctx context.Context, workspaceID uuid.UUID) ([]model.ThresholdRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, rule_name, metric, threshold, condition, severity, enabled, created_at, updated_at
		 FROM threshold_rules WHERE workspace_id = $1
		 ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list threshold rules: %w", err)
	}
	defer rows.Close()
	return scanThresholdRules(rows)
}

// EnabledThresholdRules returns the enabled threshold rules the detection
// engine evaluates against each trace.
func (db *DB) EnabledThresholdRules(ctx context.Context, workspaceID uuid.UUID) ([]model.ThresholdRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, rule_name, metric, threshold, condition, severity, enabled, created_at, updated_at
		 FROM threshold_rules WHERE workspace_id = $1 AND enabled`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: enabled threshold rules: %w", err)
	}
	defer rows.Close()
	return scanThresholdRules(rows)
}

// EnabledGuardrailRules returns the enabled guardrail rules for a workspace.
func (db *DB) EnabledGuardrailRules(ctx context.Context, workspaceID uuid.UUID) ([]model.GuardrailRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, rule_name, rule_type, severity, enabled, config, created_at, updated_at
		 FROM guardrail_rules WHERE workspace_id = $1 AND enabled`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: enabled guardrail rules: %w", err)
	}
	defer rows.Close()

	var rules []model.GuardrailRule
	for rows.Next() {
		var r model.GuardrailRule
		var severity string
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.RuleName, &r.RuleType, &severity,
			&r.Enabled, &r.Config, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan guardrail rule: %w", err)
		}
		r.Severity = model.Severity(severity)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpsertThresholdRule creates or updates a threshold rule keyed by
// (workspace_id, rule_name). Used by the seed loader.
func (db *DB) UpsertThresholdRule(ctx context.Context, r model.ThresholdRule) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO threshold_rules (id, workspace_id, rule_name, metric, threshold, condition, severity, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (workspace_id, rule_name) DO UPDATE
		 SET metric = excluded.metric, threshold = excluded.threshold,
		     condition = excluded.condition, severity = excluded.severity,
		     enabled = excluded.enabled, updated_at = now()`,
		r.ID, r.WorkspaceID, r.RuleName, r.Metric, r.Threshold,
		string(r.Condition), string(r.Severity), r.Enabled,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert threshold rule: %w", err)
	}
	return nil
}

// UpsertGuardrailRule creates or updates a guardrail rule keyed by
// (workspace_id, rule_name). Used by the seed loader.
func (db *DB) UpsertGuardrailRule(ctx context.Context, r model.GuardrailRule) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO guardrail_rules (id, workspace_id, rule_name, rule_type, severity, enabled, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (workspace_id, rule_name) DO UPDATE
		 SET rule_type = excluded.rule_type, severity = excluded.severity,
		     enabled = excluded.enabled, config = excluded.config, updated_at = now()`,
		r.ID, r.WorkspaceID, r.RuleName, r.RuleType, string(r.Severity), r.Enabled, r.Config,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert guardrail rule: %w", err)
	}
	return nil
}

func scanThresholdRules(rows pgx.Rows) ([]model.ThresholdRule, error) {
	var rules []model.ThresholdRule
	for rows.Next() {
		var r model.ThresholdRule
		var condition, severity string
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.RuleName, &r.Metric, &r.Threshold,
			&condition, &severity, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan threshold rule: %w", err)
		}
		r.Condition = model.Condition(condition)
		r.Severity = model.Severity(severity)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
