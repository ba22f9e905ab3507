package verdict

// rank orders verdicts by specificity.
func rank(v Verdict) int {
	switch v {
	case Safe:
		return 1
	case Trusted, TrustedExtra:
		return 2
	case MSLoginUnknown:
		return 3
	case Phishy, RogueApp:
		return 4
	default:
		return 0
	}
}

// Transition is a candidate verdict change.
type Transition struct {
	Verdict Verdict
	URL     string
	Source  Source
	// Forced transitions (explicit flags, referrer trust, rogue-app hits)
	// bypass precedence, except that a threat on the same URL only yields
	// to another threat.
	Forced bool
}

// ShouldApply decides whether next replaces current. A transition for a
// different URL is a new page load and always applies. For the same URL:
//
//   - phishy and rogue-app are only replaced by another threat, or by a
//     content scan that finds the page safe. Forced transitions included.
//   - URL-derived verdicts apply over nothing or not-evaluated, and over a
//     trusted verdict only when they name a specific non-trusted verdict.
//   - Content verdicts never lift phishy or rogue-app except to safe or
//     another threat; otherwise they apply when at least as specific.
func ShouldApply(current *TabVerdict, next Transition) bool {
	if current == nil || current.URL != next.URL {
		return true
	}
	cur := current.Verdict
	if cur.IsThreat() && next.Forced {
		return next.Verdict.IsThreat()
	}
	if next.Forced || cur == "" || cur == NotEvaluated {
		return true
	}

	switch next.Source {
	case SourceURL:
		if cur.IsTrusted() {
			return next.Verdict == Phishy || next.Verdict == RogueApp || next.Verdict == MSLoginUnknown
		}
		return false
	default:
		if cur.IsThreat() {
			return next.Verdict == Safe || next.Verdict.IsThreat()
		}
		return rank(next.Verdict) >= rank(cur)
	}
}
