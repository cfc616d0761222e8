// Package rules loads declarative rule definitions from a YAML seed file
// and reconciles them into the database at startup.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/vigil-ai/vigil/internal/model"
)

// Store is the subset of the storage layer the seeder writes through.
// Both upserts are keyed by (workspace_id, rule_name), so re-running the
// seeder converges instead of duplicating.
type Store interface {
	UpsertThresholdRule(ctx context.Context, r model.ThresholdRule) error
	UpsertGuardrailRule(ctx context.Context, r model.GuardrailRule) error
}

// SeedFile is the top-level YAML document.
type SeedFile struct {
	Workspaces []WorkspaceSeed `yaml:"workspaces"`
}

// WorkspaceSeed declares the rule set for one workspace.
type WorkspaceSeed struct {
	WorkspaceID    string          `yaml:"workspace_id"`
	ThresholdRules []ThresholdSeed `yaml:"threshold_rules"`
	GuardrailRules []GuardrailSeed `yaml:"guardrail_rules"`
}

type ThresholdSeed struct {
	RuleName  string  `yaml:"rule_name"`
	Metric    string  `yaml:"metric"`
	Threshold float64 `yaml:"threshold"`
	Condition string  `yaml:"condition"`
	Severity  string  `yaml:"severity"`
	Enabled   *bool   `yaml:"enabled"`
}

type GuardrailSeed struct {
	RuleName string         `yaml:"rule_name"`
	RuleType string         `yaml:"rule_type"`
	Severity string         `yaml:"severity"`
	Enabled  *bool          `yaml:"enabled"`
	Config   map[string]any `yaml:"config"`
}

// Parse decodes and validates a seed document. Every rule is checked before
// any writes happen, so a malformed file is rejected whole.
func Parse(data []byte) (SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return SeedFile{}, fmt.Errorf("rules: parse seed: %w", err)
	}
	for i, ws := range f.Workspaces {
		if _, err := uuid.Parse(ws.WorkspaceID); err != nil {
			return SeedFile{}, fmt.Errorf("rules: workspace[%d]: invalid workspace_id %q", i, ws.WorkspaceID)
		}
		for _, t := range ws.ThresholdRules {
			if t.RuleName == "" {
				return SeedFile{}, fmt.Errorf("rules: workspace[%d]: threshold rule missing rule_name", i)
			}
			if !model.Condition(t.Condition).Valid() {
				return SeedFile{}, fmt.Errorf("rules: rule %q: unknown condition %q", t.RuleName, t.Condition)
			}
			if t.Metric == "" {
				return SeedFile{}, fmt.Errorf("rules: rule %q: missing metric", t.RuleName)
			}
		}
		for _, g := range ws.GuardrailRules {
			if g.RuleName == "" {
				return SeedFile{}, fmt.Errorf("rules: workspace[%d]: guardrail rule missing rule_name", i)
			}
			if g.RuleType != model.GuardrailRuleTypePII {
				return SeedFile{}, fmt.Errorf("rules: rule %q: unknown rule_type %q", g.RuleName, g.RuleType)
			}
		}
	}
	return f, nil
}

// SeedFromPath reads the YAML file at path and upserts its rules.
// A missing path is a no-op so deployments without seed files stay quiet.
func SeedFromPath(ctx context.Context, store Store, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("rule seed file not found, skipping", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("rules: read seed file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	return Seed(ctx, store, f, logger)
}

// Seed writes every rule in the document through the store.
func Seed(ctx context.Context, store Store, f SeedFile, logger *slog.Logger) error {
	var thresholds, guardrails int
	for _, ws := range f.Workspaces {
		workspaceID := uuid.MustParse(ws.WorkspaceID)
		for _, t := range ws.ThresholdRules {
			rule := model.ThresholdRule{
				ID:          uuid.New(),
				WorkspaceID: workspaceID,
				RuleName:    t.RuleName,
				Metric:      t.Metric,
				Threshold:   t.Threshold,
				Condition:   model.Condition(t.Condition),
				Severity:    seedSeverity(t.Severity),
				Enabled:     enabledOrDefault(t.Enabled),
			}
			if err := store.UpsertThresholdRule(ctx, rule); err != nil {
				return fmt.Errorf("rules: seed threshold rule %q: %w", t.RuleName, err)
			}
			thresholds++
		}
		for _, g := range ws.GuardrailRules {
			rule := model.GuardrailRule{
				ID:          uuid.New(),
				WorkspaceID: workspaceID,
				RuleName:    g.RuleName,
				RuleType:    g.RuleType,
				Severity:    seedSeverity(g.Severity),
				Enabled:     enabledOrDefault(g.Enabled),
				Config:      g.Config,
			}
			if err := store.UpsertGuardrailRule(ctx, rule); err != nil {
				return fmt.Errorf("rules: seed guardrail rule %q: %w", g.RuleName, err)
			}
			guardrails++
		}
	}
	logger.Info("rule seed applied",
		"workspaces", len(f.Workspaces),
		"threshold_rules", thresholds,
		"guardrail_rules", guardrails)
	return nil
}

// enabledOrDefault treats an omitted enabled flag as true. Seeding a rule
// you did not want running is surprising; disabling is the explicit act.
func enabledOrDefault(v *bool) bool {
	return v == nil || *v
}

func seedSeverity(s string) model.Severity {
	if s == "" {
		return model.SeverityMedium
	}
	return model.Severity(s)
}
