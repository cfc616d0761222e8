package detect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vigil-ai/vigil/internal/model"
)

// piiPattern names one detectable content category. Patterns are compiled
// once at package init; a compile failure is a programming error.
type piiPattern struct {
	Category string
	Regexp   *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{Category: "EMAIL", Regexp: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{Category: "SSN", Regexp: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{Category: "CREDIT_CARD", Regexp: regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{Category: "PHONE", Regexp: regexp.MustCompile(`\b(?:\+?1[ \-.]?)?\(?\d{3}\)?[ \-.]?\d{3}[ \-.]?\d{4}\b`)},
	{Category: "API_KEY", Regexp: regexp.MustCompile(`\b(?:sk|pk|api|key)[-_][A-Za-z0-9]{16,}\b`)},
	{Category: "IP_ADDRESS", Regexp: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// ScanResult is one guardrail hit within a single text field.
type ScanResult struct {
	Field      string
	Categories []string
	Original   string
	Redacted   string
}

// GuardrailDetector scans trace content for configured PII categories and
// produces redacted copies. An empty category set enables every pattern.
type GuardrailDetector struct {
	patterns []piiPattern
}

// NewGuardrailDetector builds a detector from a guardrail rule. The rule's
// config may carry a "categories" list restricting which patterns apply.
func NewGuardrailDetector(rule model.GuardrailRule) (*GuardrailDetector, error) {
	if rule.RuleType != model.GuardrailRuleTypePII {
		return nil, fmt.Errorf("detect: unsupported guardrail type %q", rule.RuleType)
	}
	wanted := categoryFilter(rule.Config)
	if len(wanted) == 0 {
		return &GuardrailDetector{patterns: piiPatterns}, nil
	}
	var patterns []piiPattern
	for _, p := range piiPatterns {
		if _, ok := wanted[p.Category]; ok {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("detect: guardrail rule %s matches no known categories", rule.ID)
	}
	return &GuardrailDetector{patterns: patterns}, nil
}

func categoryFilter(config map[string]any) map[string]struct{} {
	raw, ok := config["categories"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	wanted := make(map[string]struct{}, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			wanted[strings.ToUpper(s)] = struct{}{}
		}
	}
	return wanted
}

// Scan inspects the trace's input, output, and string metadata values.
// Results are ordered input first, then output, then metadata keys sorted,
// so repeated evaluation of the same trace is deterministic.
func (d *GuardrailDetector) Scan(t model.Trace) []ScanResult {
	var results []ScanResult
	if r, ok := d.scanField("input", t.Input); ok {
		results = append(results, r)
	}
	if r, ok := d.scanField("output", t.Output); ok {
		results = append(results, r)
	}
	keys := make([]string, 0, len(t.Metadata))
	for k := range t.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s, ok := t.Metadata[k].(string)
		if !ok {
			continue
		}
		if r, ok := d.scanField("metadata."+k, s); ok {
			results = append(results, r)
		}
	}
	return results
}

func (d *GuardrailDetector) scanField(field, text string) (ScanResult, bool) {
	if text == "" {
		return ScanResult{}, false
	}
	redacted := text
	var categories []string
	for _, p := range d.patterns {
		if !p.Regexp.MatchString(redacted) {
			continue
		}
		redacted = p.Regexp.ReplaceAllString(redacted, "[REDACTED: "+p.Category+"]")
		categories = append(categories, p.Category)
	}
	if len(categories) == 0 {
		return ScanResult{}, false
	}
	return ScanResult{
		Field:      field,
		Categories: categories,
		Original:   text,
		Redacted:   redacted,
	}, true
}
