// Package rules runs configurable data-quality checks over ingested
// documents and line items. Each detection pass is a pure function of
// current data and the rule set: existing anomalies in the evaluated scope
// are cleared and the fresh set inserted.
package rules

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/atrium-data/rationalize/internal/model"
)

// Rule type identifiers. The engine looks handlers up by these, so new rule
// instances (different thresholds, severities) need no code change.
const (
	TypeCalcCoherence = "calc_coherence"
	TypeDateOrder     = "date_order"
	TypeLowConfidence = "low_confidence"
	TypeDuplicateDoc  = "duplicate_document"
	TypePriceDrift    = "price_drift"
)

// Rule is one configured check instance. Threshold fields only apply to the
// rule types that read them.
type Rule struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Severity model.Severity `yaml:"severity"`

	Tolerance           float64 `yaml:"tolerance,omitempty"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty"`
	WindowDays          int     `yaml:"window_days,omitempty"`
	DriftMultiplier     float64 `yaml:"drift_multiplier,omitempty"`
	MinSamples          int     `yaml:"min_samples,omitempty"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules is the shipped rule set, used when no rules file is given.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "CALC_001", Type: TypeCalcCoherence, Severity: model.SeverityWarning, Tolerance: 0.01},
		{ID: "DATE_001", Type: TypeDateOrder, Severity: model.SeverityCritical},
		{ID: "CONF_001", Type: TypeLowConfidence, Severity: model.SeverityWarning, ConfidenceThreshold: 0.6},
		{ID: "DUP_001", Type: TypeDuplicateDoc, Severity: model.SeverityWarning, WindowDays: 7},
		{ID: "PRIX_001", Type: TypePriceDrift, Severity: model.SeverityInfo, DriftMultiplier: 2.0, MinSamples: 3},
	}
}

// LoadRules reads a rule set from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule set.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "rules: parse yaml")
	}
	if len(f.Rules) == 0 {
		return nil, eris.New("rules: no rules defined")
	}
	for _, r := range f.Rules {
		if r.ID == "" || r.Type == "" {
			return nil, eris.Errorf("rules: rule missing id or type: %+v", r)
		}
		if _, ok := handlers[r.Type]; !ok {
			return nil, eris.Errorf("rules: unknown rule type %q (rule %s)", r.Type, r.ID)
		}
		switch r.Severity {
		case model.SeverityInfo, model.SeverityWarning, model.SeverityCritical:
		default:
			return nil, eris.Errorf("rules: invalid severity %q (rule %s)", r.Severity, r.ID)
		}
	}
	return f.Rules, nil
}
