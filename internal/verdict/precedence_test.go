package verdict

import "testing"

func TestShouldApply(t *testing.T) {
	t.Parallel()
	const u = "https://a.example/login"
	at := func(v Verdict) *TabVerdict { return &TabVerdict{Verdict: v, URL: u} }

	tests := []struct {
		name    string
		current *TabVerdict
		next    Transition
		want    bool
	}{
		{"empty tab", nil, Transition{Verdict: Trusted, URL: u, Source: SourceURL}, true},
		{"from not-evaluated", at(NotEvaluated), Transition{Verdict: Safe, URL: u, Source: SourceURL}, true},
		{"url keeps phishy", at(Phishy), Transition{Verdict: Trusted, URL: u, Source: SourceURL}, false},
		{"url keeps unknown", at(MSLoginUnknown), Transition{Verdict: NotEvaluated, URL: u, Source: SourceURL}, false},
		{"url keeps rogue", at(RogueApp), Transition{Verdict: Trusted, URL: u, Source: SourceURL}, false},
		{"url trusted to phishy", at(Trusted), Transition{Verdict: Phishy, URL: u, Source: SourceURL}, true},
		{"url trusted to trusted-extra", at(Trusted), Transition{Verdict: TrustedExtra, URL: u, Source: SourceURL}, false},
		{"url trusted-extra to unknown", at(TrustedExtra), Transition{Verdict: MSLoginUnknown, URL: u, Source: SourceURL}, true},
		{"url trusted-extra to not-evaluated", at(TrustedExtra), Transition{Verdict: NotEvaluated, URL: u, Source: SourceURL}, false},
		{"url trusted to safe", at(Trusted), Transition{Verdict: Safe, URL: u, Source: SourceURL}, false},
		{"new url resets", at(Phishy), Transition{Verdict: Safe, URL: u + "?next", Source: SourceURL}, true},
		{"content safe overrides phishy", at(Phishy), Transition{Verdict: Safe, URL: u, Source: SourceContent}, true},
		{"content unknown cannot lift phishy", at(Phishy), Transition{Verdict: MSLoginUnknown, URL: u, Source: SourceContent}, false},
		{"content trusted cannot lift rogue", at(RogueApp), Transition{Verdict: Trusted, URL: u, Source: SourceContent}, false},
		{"content phishy over unknown", at(MSLoginUnknown), Transition{Verdict: Phishy, URL: u, Source: SourceContent}, true},
		{"content safe cannot lower unknown", at(MSLoginUnknown), Transition{Verdict: Safe, URL: u, Source: SourceContent}, false},
		{"content safe cannot lower trusted", at(Trusted), Transition{Verdict: Safe, URL: u, Source: SourceContent}, false},
		{"content unknown over trusted", at(Trusted), Transition{Verdict: MSLoginUnknown, URL: u, Source: SourceContent}, true},
		{"forced trusted cannot lift phishy", at(Phishy), Transition{Verdict: Trusted, URL: u, Source: SourceReferrer, Forced: true}, false},
		{"forced trusted cannot lift rogue", at(RogueApp), Transition{Verdict: Trusted, URL: u, Source: SourceReferrer, Forced: true}, false},
		{"forced rogue over phishy", at(Phishy), Transition{Verdict: RogueApp, URL: u, Source: SourceRogueApp, Forced: true}, true},
		{"forced trusted over unknown", at(MSLoginUnknown), Transition{Verdict: Trusted, URL: u, Source: SourceReferrer, Forced: true}, true},
		{"forced phishy over trusted", at(Trusted), Transition{Verdict: Phishy, URL: u, Source: SourceFlag, Forced: true}, true},
		{"forced trusted on new url", at(Phishy), Transition{Verdict: Trusted, URL: u + "/next", Source: SourceReferrer, Forced: true}, true},
	}
	for _, tt := range tests {
		if got := ShouldApply(tt.current, tt.next); got != tt.want {
			t.Errorf("%s: ShouldApply = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestVerdictPredicates(t *testing.T) {
	t.Parallel()
	for _, v := range All {
		if !v.Valid() {
			t.Errorf("%s must be valid", v)
		}
	}
	if Verdict("bogus").Valid() {
		t.Error("unknown verdict must be invalid")
	}
	if !Phishy.IsThreat() || !RogueApp.IsThreat() || Safe.IsThreat() {
		t.Error("threat predicate mismatch")
	}
	if !TrustedExtra.IsTrusted() || MSLoginUnknown.IsTrusted() {
		t.Error("trusted predicate mismatch")
	}
}
