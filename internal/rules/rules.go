// Package rules holds the detection rule document: the weighted element
// patterns, thresholds and origin allowlists used by the extractor and the
// scoring engine.
package rules

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

//go:embed default_rules.json
var defaultRulesJSON []byte

var ErrInvalidRuleSet = errors.New("rules: invalid rule set")

// Element is one weighted pattern. Pattern is a regex source compiled
// case-insensitively against the full page markup.
type Element struct {
	ID          string  `json:"id"`
	Pattern     string  `json:"pattern"`
	Weight      float64 `json:"weight"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Thresholds gate the candidate-login-page test. All comparisons are >=.
type Thresholds struct {
	MinPrimaryElements int     `json:"minPrimaryElements"`
	MinTotalWeight     float64 `json:"minTotalWeight"`
	MinElementsOverall int     `json:"minElementsOverall"`
}

// RuleSet is immutable once decoded; a refresh produces a new value.
type RuleSet struct {
	Version                 string     `json:"version"`
	LastUpdated             string     `json:"lastUpdated,omitempty"`
	PrimaryElements         []Element  `json:"primaryElements"`
	SecondaryElements       []Element  `json:"secondaryElements"`
	Thresholds              Thresholds `json:"thresholds"`
	TrustedLoginPatterns    []string   `json:"trustedLoginPatterns"`
	MicrosoftDomainPatterns []string   `json:"microsoftDomainPatterns"`
}

// Decode parses and validates a rule document. Only document-level problems
// are rejected; bad individual elements are left for the extractor to skip.
func Decode(data []byte) (*RuleSet, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidRuleSet)
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks document-level invariants.
func (rs *RuleSet) Validate() error {
	if rs == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRuleSet)
	}
	if len(rs.PrimaryElements) == 0 && len(rs.SecondaryElements) == 0 {
		return fmt.Errorf("%w: no detection elements", ErrInvalidRuleSet)
	}
	t := rs.Thresholds
	if t.MinPrimaryElements < 0 || t.MinElementsOverall < 0 || t.MinTotalWeight < 0 {
		return fmt.Errorf("%w: negative threshold", ErrInvalidRuleSet)
	}
	return nil
}

// ElementCount is the number of primary plus secondary elements.
func (rs *RuleSet) ElementCount() int {
	if rs == nil {
		return 0
	}
	return len(rs.PrimaryElements) + len(rs.SecondaryElements)
}

// Default returns a fresh copy of the bundled rule set. It never fails:
// the embedded document is checked by tests.
func Default() *RuleSet {
	rs, err := Decode(defaultRulesJSON)
	if err != nil {
		panic(fmt.Sprintf("bundled rules are invalid: %v", err))
	}
	return rs
}

// DefaultJSON exposes the bundled document (demo server, docs).
func DefaultJSON() []byte {
	return append([]byte(nil), defaultRulesJSON...)
}
