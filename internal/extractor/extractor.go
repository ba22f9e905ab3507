// Package extractor matches page markup and origins against a rule set.
// It has no side effects beyond logging and never touches the network.
package extractor

import (
	"regexp"
	"sync"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/rules"
)

// Match is one rule element that matched the markup.
type Match struct {
	ID       string  `json:"id"`
	Weight   float64 `json:"weight"`
	Category string  `json:"category,omitempty"`
}

// Signals lists matched elements. An element id appears at most once
// across both lists; a primary match wins over a secondary one.
type Signals struct {
	Primary   []Match `json:"matchedPrimary"`
	Secondary []Match `json:"matchedSecondary"`
}

// IDs returns primary then secondary ids in match order.
func (s Signals) IDs() []string {
	out := make([]string, 0, len(s.Primary)+len(s.Secondary))
	for _, m := range s.Primary {
		out = append(out, m.ID)
	}
	for _, m := range s.Secondary {
		out = append(out, m.ID)
	}
	return out
}

type compiledElement struct {
	rules.Element
	re *regexp.Regexp
}

type compiledSet struct {
	primary   []compiledElement
	secondary []compiledElement
}

// Extractor compiles a rule set once and reuses it until a different rule
// set is passed. Invalid patterns are logged once per rule set.
type Extractor struct {
	logger logging.Logger

	mu    sync.Mutex
	key   *rules.RuleSet
	cache *compiledSet

	badOrigins sync.Map // invalid origin patterns already logged
}

func New(logger logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Extractor{logger: logger.With(logging.Field{Key: "component", Value: "extractor"})}
}

// ExtractSignals runs a throwaway extractor over markup.
func ExtractSignals(markup string, rs *rules.RuleSet) Signals {
	return New(nil).Extract(markup, rs)
}

// Extract tests every element pattern case-insensitively against the full
// markup.
func (e *Extractor) Extract(markup string, rs *rules.RuleSet) Signals {
	var out Signals
	if rs == nil || markup == "" {
		return out
	}
	cs := e.compiled(rs)

	seen := make(map[string]struct{}, len(cs.primary)+len(cs.secondary))
	match := func(list []compiledElement, dst *[]Match) {
		for _, ce := range list {
			if _, dup := seen[ce.ID]; dup {
				continue
			}
			if ce.re.MatchString(markup) {
				seen[ce.ID] = struct{}{}
				*dst = append(*dst, Match{ID: ce.ID, Weight: ce.Weight, Category: ce.Category})
			}
		}
	}
	match(cs.primary, &out.Primary)
	match(cs.secondary, &out.Secondary)
	return out
}

func (e *Extractor) compiled(rs *rules.RuleSet) *compiledSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key == rs && e.cache != nil {
		return e.cache
	}
	cs := &compiledSet{
		primary:   e.compileList(rs.PrimaryElements, rs.Version),
		secondary: e.compileList(rs.SecondaryElements, rs.Version),
	}
	e.key, e.cache = rs, cs
	return cs
}

func (e *Extractor) compileList(elems []rules.Element, version string) []compiledElement {
	out := make([]compiledElement, 0, len(elems))
	for _, el := range elems {
		if el.ID == "" || el.Pattern == "" {
			continue
		}
		if el.Weight < 0 {
			e.logger.Warn("skipping element with negative weight",
				logging.Field{Key: "element", Value: el.ID},
				logging.Field{Key: "rules_version", Value: version})
			continue
		}
		re, err := regexp.Compile("(?i)" + el.Pattern)
		if err != nil {
			e.logger.Warn("skipping invalid pattern",
				logging.Field{Key: "element", Value: el.ID},
				logging.Field{Key: "rules_version", Value: version},
				logging.Err(err))
			continue
		}
		out = append(out, compiledElement{Element: el, re: re})
	}
	return out
}
