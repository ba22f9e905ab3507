package rules_test

import (
	"errors"
	"regexp"
	"testing"

	"github.com/raysh454/m365guard/internal/rules"
)

func TestDefault_IsValidAndCompiles(t *testing.T) {
	t.Parallel()
	rs := rules.Default()
	if rs.ElementCount() == 0 {
		t.Fatal("expected bundled elements")
	}
	if rs.Thresholds.MinTotalWeight <= 0 {
		t.Errorf("expected positive min weight, got %v", rs.Thresholds.MinTotalWeight)
	}

	seen := map[string]bool{}
	all := append(append([]rules.Element{}, rs.PrimaryElements...), rs.SecondaryElements...)
	for _, e := range all {
		if seen[e.ID] {
			t.Errorf("duplicate element id %q in bundled rules", e.ID)
		}
		seen[e.ID] = true
		if _, err := regexp.Compile("(?i)" + e.Pattern); err != nil {
			t.Errorf("element %s: pattern does not compile: %v", e.ID, err)
		}
	}
	for _, p := range append(rs.TrustedLoginPatterns, rs.MicrosoftDomainPatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			t.Errorf("origin pattern %q does not compile: %v", p, err)
		}
	}
}

func TestDefault_ReturnsIndependentCopies(t *testing.T) {
	t.Parallel()
	a := rules.Default()
	a.PrimaryElements[0].Weight = 999
	b := rules.Default()
	if b.PrimaryElements[0].Weight == 999 {
		t.Fatal("Default must not share state between calls")
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"array is rejected", `[{"id":"x"}]`, true},
		{"malformed json", `{"primaryElements": [`, true},
		{"no elements", `{"version":"1","primaryElements":[],"secondaryElements":[]}`, true},
		{"negative threshold", `{"primaryElements":[{"id":"a","pattern":"a","weight":1}],"thresholds":{"minPrimaryElements":-1}}`, true},
		{"minimal valid", `{"primaryElements":[{"id":"a","pattern":"a","weight":1}],"thresholds":{"minPrimaryElements":1,"minTotalWeight":1,"minElementsOverall":1}}`, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs, err := rules.Decode([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, rules.ErrInvalidRuleSet) {
					t.Fatalf("expected ErrInvalidRuleSet, got %v", err)
				}
				return
			}
			if err != nil || rs == nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
