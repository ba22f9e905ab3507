// Package badge turns tab verdicts into badge states and pushes them, along
// with tab notifications, to websocket subscribers.
package badge

import "github.com/raysh454/m365guard/internal/verdict"

// Badge is the visible indicator for one tab.
type Badge struct {
	TabID   int             `json:"tabId"`
	Verdict verdict.Verdict `json:"verdict"`
	Text    string          `json:"text"`
	Color   string          `json:"color"`
	Title   string          `json:"title"`
}

// ForVerdict maps a verdict to its badge text, color and tooltip.
func ForVerdict(v verdict.Verdict) Badge {
	b := Badge{Verdict: v}
	switch v {
	case verdict.Trusted:
		b.Text, b.Color, b.Title = "✓", "#107c10", "Verified Microsoft sign-in page"
	case verdict.TrustedExtra:
		b.Text, b.Color, b.Title = "✓", "#0078d4", "Trusted by your organization"
	case verdict.Safe:
		b.Text, b.Color, b.Title = "", "#107c10", "No threats detected"
	case verdict.MSLoginUnknown:
		b.Text, b.Color, b.Title = "?", "#ffb900", "Microsoft-like sign-in page on an unverified domain"
	case verdict.Phishy:
		b.Text, b.Color, b.Title = "!", "#d13438", "Phishing page detected"
	case verdict.RogueApp:
		b.Text, b.Color, b.Title = "!", "#a80000", "Known malicious application"
	default:
		b.Verdict = verdict.NotEvaluated
		b.Text, b.Color, b.Title = "", "#797775", "Not evaluated"
	}
	return b
}
