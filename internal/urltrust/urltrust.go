// Package urltrust classifies a URL from its origin alone, before or
// without any page content.
package urltrust

import (
	"fmt"
	"strings"

	"github.com/raysh454/m365guard/internal/extractor"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/rules"
	"github.com/raysh454/m365guard/internal/utils"
	"github.com/raysh454/m365guard/internal/verdict"
)

// Outcome is a URL-derived verdict.
type Outcome struct {
	Verdict verdict.Verdict `json:"verdict"`
	Origin  string          `json:"origin,omitempty"`
	Reason  string          `json:"reason"`
}

// Evaluator classifies URLs and logs invalid origin patterns through its
// extractor.
type Evaluator struct {
	origins *extractor.Extractor
}

func NewEvaluator(logger logging.Logger) *Evaluator {
	return &Evaluator{origins: extractor.New(logger)}
}

var defaultEvaluator = NewEvaluator(nil)

// Evaluate classifies rawURL without logging invalid patterns.
func Evaluate(rawURL string, rs *rules.RuleSet, allowlist []string) Outcome {
	return defaultEvaluator.Evaluate(rawURL, rs, allowlist)
}

// Evaluate maps an origin to a verdict: trusted login origins, then the
// policy allowlist, then the provider's wider domains. Anything else is
// left for content analysis.
func (ev *Evaluator) Evaluate(rawURL string, rs *rules.RuleSet, allowlist []string) Outcome {
	origin, err := utils.Origin(rawURL)
	if err != nil {
		return Outcome{Verdict: verdict.NotEvaluated, Reason: "url could not be parsed"}
	}
	if rs == nil {
		rs = rules.Default()
	}
	out := Outcome{Origin: origin}
	switch {
	case ev.origins.IsTrustedOrigin(rawURL, rs.TrustedLoginPatterns):
		out.Verdict, out.Reason = verdict.Trusted, "trusted Microsoft login origin"
	case ev.matchAllowlist(rawURL, origin, allowlist):
		out.Verdict, out.Reason = verdict.TrustedExtra, "origin is on the organization allowlist"
	case ev.origins.IsKnownProviderOrigin(rawURL, rs.MicrosoftDomainPatterns):
		out.Verdict, out.Reason = verdict.Safe, "Microsoft domain"
	default:
		out.Verdict, out.Reason = verdict.NotEvaluated, "origin not recognized"
	}
	return out
}

// matchAllowlist accepts plain origins or hosts ("https://portal.contoso.com",
// "contoso.com" covers subdomains) and regex sources prefixed with "re:".
func (ev *Evaluator) matchAllowlist(rawURL, origin string, allowlist []string) bool {
	host := utils.Hostname(rawURL)
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case strings.HasPrefix(entry, "re:"):
			if ev.origins.MatchOrigin(rawURL, []string{strings.TrimPrefix(entry, "re:")}) {
				return true
			}
		case strings.Contains(entry, "://"):
			if o, err := utils.Origin(entry); err == nil && o == origin {
				return true
			}
		default:
			d := strings.ToLower(strings.TrimPrefix(entry, "*."))
			if host == d || strings.HasSuffix(host, "."+d) {
				return true
			}
		}
	}
	return false
}

// Describe renders an outcome for logs and CLI output.
func (o Outcome) Describe() string {
	return fmt.Sprintf("%s (%s)", o.Verdict, o.Reason)
}
