// Package detect evaluates traces against workspace rules: stateless
// threshold comparisons and pattern-based content guardrails.
package detect

import (
	"fmt"

	"github.com/vigil-ai/vigil/internal/model"
)

// ThresholdDetector is a stateless numeric-comparison evaluator built from
// one ThresholdRule. Evaluation depends only on the rule and one input value.
type ThresholdDetector struct {
	Metric    string
	Threshold float64
	Condition model.Condition
}

// NewThresholdDetector builds a detector from a rule, rejecting malformed
// conditions so a bad rule config cannot poison evaluation of other rules.
func NewThresholdDetector(rule model.ThresholdRule) (ThresholdDetector, error) {
	if !rule.Condition.Valid() {
		return ThresholdDetector{}, fmt.Errorf("detect: rule %s has unknown condition %q", rule.ID, rule.Condition)
	}
	return ThresholdDetector{
		Metric:    rule.Metric,
		Threshold: rule.Threshold,
		Condition: rule.Condition,
	}, nil
}

// Check reports whether value trips the detector's condition.
func (d ThresholdDetector) Check(value float64) bool {
	switch d.Condition {
	case model.ConditionGreaterThan:
		return value > d.Threshold
	case model.ConditionLessThan:
		return value < d.Threshold
	case model.ConditionEquals:
		return value == d.Threshold
	}
	return false
}

// MetricValue extracts the named metric from a trace. latency_p99 reads the
// per-trace latency; aggregate percentile evaluation is a rule-store concern,
// not a per-trace one. An unknown metric is a per-rule evaluation error.
func MetricValue(metric string, t model.Trace) (float64, error) {
	switch metric {
	case model.MetricLatencyMS, model.MetricLatencyP99:
		return float64(t.LatencyMS), nil
	case model.MetricErrorRate:
		if t.Status == model.TraceStatusError {
			return 1.0, nil
		}
		return 0.0, nil
	case model.MetricCostUSD:
		return t.CostUSD, nil
	case model.MetricTokensTotal:
		return float64(t.TokensTotal), nil
	}
	return 0, fmt.Errorf("detect: unknown metric %q", metric)
}
