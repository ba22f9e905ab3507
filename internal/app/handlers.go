package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/raysh454/m365guard/internal/cache"
	"github.com/raysh454/m365guard/internal/config"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/messaging"
	"github.com/raysh454/m365guard/internal/rules"
	"github.com/raysh454/m365guard/internal/telemetry"
	"github.com/raysh454/m365guard/internal/verdict"
)

// RulesResponse answers get_detection_rules and REFRESH_DETECTION_RULES.
type RulesResponse struct {
	Rules    *rules.RuleSet      `json:"rules"`
	Metadata cache.Metadata      `json:"metadata"`
	Update   *cache.UpdateReport `json:"update,omitempty"`
}

// ConfigResponse answers the config requests.
type ConfigResponse struct {
	Config       config.Policy `json:"config"`
	FallbackMode bool          `json:"fallbackMode"`
}

// VerdictResponse answers requests that read or force a tab verdict.
type VerdictResponse struct {
	Success bool               `json:"success"`
	Found   bool               `json:"found"`
	Verdict verdict.TabVerdict `json:"verdict"`
}

// HeadersResponse answers GET_PAGE_HEADERS.
type HeadersResponse struct {
	Found   bool        `json:"found"`
	URL     string      `json:"url,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
}

// LogsResponse answers GET_LOGS.
type LogsResponse struct {
	Logs []telemetry.Event `json:"logs"`
}

// HandleMessage dispatches one decoded request. Failures other than bad
// input count towards the supervisor's reinitialization threshold.
func (g *Guard) HandleMessage(ctx context.Context, req messaging.Request) (any, error) {
	resp, err := g.dispatch(ctx, req)
	if err != nil && !errors.Is(err, messaging.ErrInvalidRequest) && !errors.Is(err, context.Canceled) {
		g.logger.Warn("message handler failed", logging.Field{Key: "type", Value: req.Type()}, logging.Err(err))
		g.sup.RecordError(ctx, err)
	}
	return resp, err
}

func (g *Guard) dispatch(ctx context.Context, req messaging.Request) (any, error) {
	switch r := req.(type) {
	case messaging.Ping:
		st := g.sup.Status()
		return messaging.PingResponse{
			Success:      true,
			Initialized:  st.Initialized,
			FallbackMode: st.FallbackMode,
			ErrorCount:   st.ErrorCount,
		}, nil

	case messaging.GetConfig:
		return g.configResponse(g.Policy.Get()), nil

	case messaging.UpdateConfig:
		p, err := g.Policy.Update(r.Config)
		if err != nil {
			return nil, policyError(err)
		}
		g.applyPolicy(ctx)
		return g.configResponse(p), nil

	case messaging.SaveConfig:
		p, err := g.Policy.Save(ctx, r.Config)
		if err != nil {
			return nil, policyError(err)
		}
		g.applyPolicy(ctx)
		return g.configResponse(p), nil

	case messaging.GetDetectionRules:
		return RulesResponse{Rules: g.Rules.Get(), Metadata: g.Rules.Metadata()}, nil

	case messaging.RefreshDetectionRules:
		report := g.Rules.ForceUpdate(ctx)
		return RulesResponse{Rules: g.Rules.Get(), Metadata: g.Rules.Metadata(), Update: &report}, nil

	case messaging.CheckRogueApp:
		app, hit, err := g.Verdicts.CheckRogueApp(ctx, r.TabID, r.URL, r.ClientID)
		if err != nil {
			return nil, err
		}
		if !hit {
			return messaging.RogueAppResponse{IsRogue: false}, nil
		}
		return messaging.RogueAppResponse{
			IsRogue:     true,
			AppName:     app.DisplayName,
			Risk:        app.Severity,
			Description: app.Description,
		}, nil

	case messaging.URLAnalysis:
		return g.AnalyzeURL(ctx, r.TabID, r.URL, r.Render)

	case messaging.FlagPhishy:
		tv, err := g.Verdicts.FlagPhishy(ctx, r.TabID, r.URL, r.Reason)
		if err != nil {
			return nil, err
		}
		return VerdictResponse{Success: true, Found: true, Verdict: tv}, nil

	case messaging.FlagTrustedByReferrer:
		tv, err := g.Verdicts.FlagTrustedByReferrer(ctx, r.TabID, r.URL, r.Referrer)
		if err != nil {
			return nil, err
		}
		return VerdictResponse{Success: true, Found: true, Verdict: tv}, nil

	case messaging.LogEvent:
		ev := r.Event
		if ev.Kind == "" {
			ev.Kind = telemetry.KindDebug
		}
		if ev.TabID == 0 {
			ev.TabID = r.TabID
		}
		g.Events.Record(ctx, ev)
		return messaging.Ack{Success: true}, nil

	case messaging.GetLogs:
		logs, err := g.Events.GetLogs(ctx, r.Filter)
		if err != nil {
			return nil, err
		}
		return LogsResponse{Logs: logs}, nil

	case messaging.ClearLogs:
		if err := g.Events.ClearLogs(ctx, r.Kind); err != nil {
			return nil, err
		}
		return messaging.Ack{Success: true}, nil

	case messaging.GetStatistics:
		return g.Events.Statistics(ctx)

	case messaging.URLComplete:
		g.limiter.ResetTab(r.TabID)
		if err := g.Verdicts.URLComplete(r.TabID, r.URL); err != nil {
			return nil, err
		}
		return messaging.Ack{Success: true}, nil

	case messaging.TabRemoved:
		g.Verdicts.TabRemoved(ctx, r.TabID)
		g.limiter.ResetTab(r.TabID)
		return messaging.Ack{Success: true}, nil

	case messaging.ScanPage:
		return g.ScanPage(ctx, r.TabID, r.URL, r.Markup)

	case messaging.RecordPageHeaders:
		g.Verdicts.RecordHeaders(r.TabID, r.URL, http.Header(r.Headers))
		return messaging.Ack{Success: true}, nil

	case messaging.GetPageHeaders:
		e, ok := g.Verdicts.Headers(r.TabID)
		if !ok {
			return HeadersResponse{}, nil
		}
		return HeadersResponse{Found: true, URL: e.URL, Headers: e.Headers}, nil

	case messaging.GetTabVerdict:
		tv, ok := g.Verdicts.Get(ctx, r.TabID)
		return VerdictResponse{Success: true, Found: ok, Verdict: tv}, nil

	case messaging.SessionStarted:
		g.Verdicts.Reset()
		if err := g.session.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clearing session store: %w", err)
		}
		g.Badges.Reset()
		g.limiter.Clear()
		g.logger.Info("browser session started")
		return messaging.Ack{Success: true}, nil
	}
	return nil, &messaging.UnknownRequestError{Type: req.Type()}
}

func policyError(err error) error {
	if errors.Is(err, config.ErrInvalidPolicy) {
		return fmt.Errorf("%w: %v", messaging.ErrInvalidRequest, err)
	}
	return err
}

func (g *Guard) configResponse(p config.Policy) ConfigResponse {
	return ConfigResponse{Config: p, FallbackMode: g.Policy.InFallback()}
}
