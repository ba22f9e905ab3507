// Package verdict owns the per-tab security verdict: its values, the
// precedence between them, and the coordinator that applies transitions.
package verdict

import "time"

// Verdict is the per-tab security classification.
type Verdict string

const (
	NotEvaluated   Verdict = "not-evaluated"
	Trusted        Verdict = "trusted"
	TrustedExtra   Verdict = "trusted-extra"
	Phishy         Verdict = "phishy"
	MSLoginUnknown Verdict = "ms-login-unknown"
	RogueApp       Verdict = "rogue-app"
	Safe           Verdict = "safe"
)

// All lists every verdict value.
var All = []Verdict{NotEvaluated, Trusted, TrustedExtra, Phishy, MSLoginUnknown, RogueApp, Safe}

func (v Verdict) Valid() bool {
	for _, x := range All {
		if v == x {
			return true
		}
	}
	return false
}

// IsThreat reports phishy and rogue-app.
func (v Verdict) IsThreat() bool { return v == Phishy || v == RogueApp }

// IsTrusted reports trusted and trusted-extra.
func (v Verdict) IsTrusted() bool { return v == Trusted || v == TrustedExtra }

// Source says which kind of observation produced a verdict.
type Source string

const (
	SourceURL      Source = "url"
	SourceContent  Source = "content"
	SourceReferrer Source = "referrer"
	SourceRogueApp Source = "rogue-app"
	SourceFlag     Source = "flag"
)

// TabVerdict is the stored state of one tab.
type TabVerdict struct {
	TabID     int       `json:"tabId"`
	Verdict   Verdict   `json:"verdict"`
	URL       string    `json:"url"`
	Origin    string    `json:"origin,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	AppID     string    `json:"appId,omitempty"`
	By        Source    `json:"by,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
