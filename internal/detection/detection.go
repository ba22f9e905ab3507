// Package detection scores extracted page signals against rule thresholds.
package detection

import (
	"fmt"
	"math"
	"time"

	"github.com/raysh454/m365guard/internal/extractor"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/rules"
)

type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	ReasonTrustedLoginPage        = "login page on trusted domain"
	ReasonInsufficientIndicators  = "insufficient indicators"
	ReasonImpersonationUntrusted  = "Microsoft 365 login elements on untrusted domain"
	highSeverityConfidenceCeiling = 0.8
)

// Result is the outcome of one scan. It drives a verdict transition and is
// never persisted as a source of truth.
type Result struct {
	IsPhishing       bool     `json:"isPhishing"`
	Confidence       float64  `json:"confidence"`
	Severity         Severity `json:"severity"`
	TotalWeight      float64  `json:"totalWeight"`
	PrimaryCount     int      `json:"primaryCount"`
	SecondaryCount   int      `json:"secondaryCount"`
	DetectedElements []string `json:"detectedElements"`
	Reasons          []string `json:"reasons"`
	// LoginPage is true when the candidate-login-page test passed.
	LoginPage     bool      `json:"loginPage"`
	TrustedOrigin bool      `json:"trustedOrigin"`
	Timestamp     time.Time `json:"timestamp"`
	URL           string    `json:"url"`
}

// Score applies the candidate-login-page test. Thresholds are inclusive and
// confidence is clamped to 1.
func Score(sig extractor.Signals, th rules.Thresholds, trustedOrigin bool) Result {
	r := Result{
		PrimaryCount:     len(sig.Primary),
		SecondaryCount:   len(sig.Secondary),
		DetectedElements: sig.IDs(),
		TrustedOrigin:    trustedOrigin,
		Severity:         SeverityNone,
	}
	for _, m := range sig.Primary {
		r.TotalWeight += m.Weight
	}
	for _, m := range sig.Secondary {
		r.TotalWeight += m.Weight
	}

	r.LoginPage = r.PrimaryCount >= th.MinPrimaryElements &&
		r.TotalWeight >= th.MinTotalWeight &&
		r.PrimaryCount+r.SecondaryCount >= th.MinElementsOverall

	switch {
	case th.MinTotalWeight > 0:
		r.Confidence = math.Min(r.TotalWeight/th.MinTotalWeight, 1)
	case r.LoginPage:
		r.Confidence = 1
	}

	switch {
	case r.LoginPage && !trustedOrigin:
		r.IsPhishing = true
		r.Severity = SeverityMedium
		if r.Confidence > highSeverityConfidenceCeiling {
			r.Severity = SeverityHigh
		}
		r.Reasons = append(r.Reasons, ReasonImpersonationUntrusted,
			fmt.Sprintf("%d primary and %d secondary indicators, weight %.1f", r.PrimaryCount, r.SecondaryCount, r.TotalWeight))
	case r.LoginPage:
		r.Reasons = append(r.Reasons, ReasonTrustedLoginPage)
	default:
		r.Reasons = append(r.Reasons, ReasonInsufficientIndicators)
	}
	return r
}

// Engine runs extraction, origin trust and scoring for one page.
type Engine struct {
	extractor *extractor.Extractor
	logger    logging.Logger
	now       func() time.Time
}

func NewEngine(logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		extractor: extractor.New(logger),
		logger:    logger.With(logging.Field{Key: "component", Value: "detection"}),
		now:       time.Now,
	}
}

// Analyze scores markup loaded from pageURL.
func (e *Engine) Analyze(pageURL, markup string, rs *rules.RuleSet) Result {
	if rs == nil {
		rs = rules.Default()
	}
	sig := e.extractor.Extract(markup, rs)
	trusted := e.extractor.IsTrustedOrigin(pageURL, rs.TrustedLoginPatterns)

	r := Score(sig, rs.Thresholds, trusted)
	r.URL = pageURL
	r.Timestamp = e.now().UTC()
	if r.IsPhishing || r.PrimaryCount > 0 {
		r.Reasons = append(r.Reasons, extractor.Facts(markup, pageURL).Reasons()...)
	}

	e.logger.Debug("page scored",
		logging.Field{Key: "url", Value: pageURL},
		logging.Field{Key: "phishing", Value: r.IsPhishing},
		logging.Field{Key: "weight", Value: r.TotalWeight},
		logging.Field{Key: "elements", Value: r.DetectedElements})
	return r
}
