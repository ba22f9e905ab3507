package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/raysh454/m365guard/internal/detection"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/messaging"
	"github.com/raysh454/m365guard/internal/telemetry"
	"github.com/raysh454/m365guard/internal/urltrust"
	"github.com/raysh454/m365guard/internal/utils"
	"github.com/raysh454/m365guard/internal/verdict"
)

// Analysis methods, most to least informed.
const (
	MethodTab       = "tab"
	MethodOrigin    = "origin"
	MethodContent   = "content"
	MethodHeuristic = "heuristic"
)

// Analysis answers URL_ANALYSIS_REQUEST.
type Analysis struct {
	URL       string            `json:"url"`
	Origin    string            `json:"origin,omitempty"`
	Verdict   verdict.Verdict   `json:"verdict"`
	Method    string            `json:"method"`
	Risk      float64           `json:"risk"`
	Reasons   []string          `json:"reasons"`
	Detection *detection.Result `json:"detection,omitempty"`
}

// ScanResponse answers SCAN_PAGE.
type ScanResponse struct {
	Throttled bool               `json:"throttled"`
	Reason    string             `json:"reason,omitempty"`
	Result    *detection.Result  `json:"result,omitempty"`
	Verdict   verdict.TabVerdict `json:"verdict"`
	Applied   bool               `json:"applied"`
}

// AnalyzeURL classifies a URL without changing any tab verdict. A content
// verdict the tab already holds for the same URL is reused; known origins
// are answered directly; otherwise the page is rendered and scored when a
// render backend is available and requested, else URL heuristics apply.
func (g *Guard) AnalyzeURL(ctx context.Context, tabID int, rawURL string, render bool) (Analysis, error) {
	if _, err := utils.Origin(rawURL); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", messaging.ErrInvalidRequest, err)
	}
	rs := g.Rules.Get()
	a := Analysis{URL: rawURL}

	if tv, ok := g.Verdicts.Get(ctx, tabID); ok && tabID != 0 && tv.URL == rawURL && tv.By == verdict.SourceContent {
		a.Origin, a.Verdict, a.Method = tv.Origin, tv.Verdict, MethodTab
		a.Reasons = []string{tv.Reason}
		g.recordAnalysis(ctx, tabID, a)
		return a, nil
	}

	out := g.origins.Evaluate(rawURL, rs, g.Policy.Get().URLAllowlist)
	a.Origin = out.Origin
	if out.Verdict != verdict.NotEvaluated {
		a.Verdict, a.Method, a.Reasons = out.Verdict, MethodOrigin, []string{out.Reason}
		g.recordAnalysis(ctx, tabID, a)
		return a, nil
	}

	if render && g.renderer != nil && !g.sup.FallbackMode() {
		resp, err := g.renderer.Get(ctx, rawURL)
		switch {
		case err != nil:
			g.logger.Warn("rendering page for analysis", logging.Field{Key: "url", Value: rawURL}, logging.Err(err))
		case !resp.OK():
			g.logger.Warn("rendering page for analysis", logging.Field{Key: "url", Value: rawURL}, logging.Field{Key: "status", Value: resp.StatusCode})
		default:
			res := g.engine.Analyze(rawURL, string(resp.Body), rs)
			v, reason := verdict.ContentVerdict(res)
			a.Verdict, a.Method, a.Risk, a.Detection = v, MethodContent, res.Confidence, &res
			a.Reasons = append([]string{reason}, res.Reasons...)
			g.recordAnalysis(ctx, tabID, a)
			return a, nil
		}
	}

	h := urltrust.Heuristic(rawURL, rs)
	a.Verdict, a.Method, a.Risk, a.Reasons = h.Verdict, MethodHeuristic, h.Risk, h.Reasons
	g.recordAnalysis(ctx, tabID, a)
	return a, nil
}

// ScanPage scores markup the content script sent for a tab and applies
// the resulting verdict. Rescans of one page are rate limited.
func (g *Guard) ScanPage(ctx context.Context, tabID int, rawURL, markup string) (ScanResponse, error) {
	if err := g.limiter.Allow(detection.PageKey(tabID, rawURL)); err != nil {
		if errors.Is(err, detection.ErrScanBudgetExhausted) || errors.Is(err, detection.ErrScanCooldown) {
			tv, _ := g.Verdicts.Get(ctx, tabID)
			return ScanResponse{Throttled: true, Reason: err.Error(), Verdict: tv}, nil
		}
		return ScanResponse{}, err
	}

	res := g.engine.Analyze(rawURL, markup, g.Rules.Get())
	tv, applied, err := g.Verdicts.ReportScan(ctx, tabID, res)
	if err != nil {
		return ScanResponse{}, err
	}

	g.Events.Record(ctx, telemetry.Event{
		Kind:    telemetry.KindAccess,
		Type:    telemetry.TypePageScan,
		TabID:   tabID,
		URL:     rawURL,
		Verdict: string(tv.Verdict),
		Data: map[string]any{
			"isPhishing":  res.IsPhishing,
			"confidence":  res.Confidence,
			"totalWeight": res.TotalWeight,
			"elements":    res.DetectedElements,
		},
	})
	return ScanResponse{Result: &res, Verdict: tv, Applied: applied}, nil
}

func (g *Guard) recordAnalysis(ctx context.Context, tabID int, a Analysis) {
	g.Events.Record(ctx, telemetry.Event{
		Kind:    telemetry.KindAccess,
		Type:    telemetry.TypeURLAnalysis,
		TabID:   tabID,
		URL:     a.URL,
		Verdict: string(a.Verdict),
		Data:    map[string]any{"method": a.Method, "risk": a.Risk},
	})
}
