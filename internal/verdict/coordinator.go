package verdict

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/m365guard/internal/detection"
	"github.com/raysh454/m365guard/internal/headercache"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/rogueapps"
	"github.com/raysh454/m365guard/internal/safe"
	"github.com/raysh454/m365guard/internal/storage"
	"github.com/raysh454/m365guard/internal/tabqueue"
	"github.com/raysh454/m365guard/internal/telemetry"
	"github.com/raysh454/m365guard/internal/utils"
)

const (
	DefaultDebounce = 150 * time.Millisecond
	keyPrefix       = "verdict:"
)

// Notification kinds sent to a tab.
const (
	NotifyValidPage = "valid_page"
	NotifyBlockPage = "block_page"
)

// Notification is an instruction for the page running in a tab. Block
// pages carry the organisation's branding and support contact.
type Notification struct {
	Type         string `json:"type"`
	URL          string `json:"url,omitempty"`
	Reason       string `json:"reason,omitempty"`
	CompanyName  string `json:"companyName,omitempty"`
	SupportEmail string `json:"supportEmail,omitempty"`
}

// Renderer draws the badge for a verdict.
type Renderer interface {
	Render(ctx context.Context, tv TabVerdict) error
	Clear(ctx context.Context, tabID int) error
}

// Notifier delivers notifications to a tab.
type Notifier interface {
	Notify(ctx context.Context, tabID int, n Notification) error
}

// EventSink receives telemetry.
type EventSink interface {
	Record(ctx context.Context, ev telemetry.Event)
}

// AppLookup resolves OAuth client ids.
type AppLookup interface {
	Lookup(clientID string) (rogueapps.App, bool)
}

// Evaluation is a URL-derived verdict.
type Evaluation struct {
	Verdict Verdict
	Origin  string
	Reason  string
}

// EvaluateFunc classifies a URL by origin.
type EvaluateFunc func(rawURL string) Evaluation

// Settings are the policy switches the coordinator reads per transition.
type Settings struct {
	EnablePageBlocking bool
	ShowValidPageBadge bool
	CompanyName        string
	SupportEmail       string
}

// Deps are the coordinator's collaborators. Store is the session-scoped
// store. Renderer, Notifier and Events may be nil.
type Deps struct {
	Store    storage.Store
	Renderer Renderer
	Notifier Notifier
	Events   EventSink
	Apps     AppLookup
	Evaluate EvaluateFunc
	Settings func() Settings
	Logger   logging.Logger
}

// Config tunes the coordinator.
type Config struct {
	Debounce        time.Duration
	HeaderCacheSize int
	HeaderCacheTTL  time.Duration
}

// Coordinator is the only writer of tab verdicts. Events for one tab are
// applied in arrival order on that tab's queue.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger logging.Logger

	queue   *tabqueue.Queue[int]
	headers *headercache.Cache

	mu       sync.RWMutex
	verdicts map[int]TabVerdict
}

func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("verdict: session store is required")
	}
	if deps.Evaluate == nil {
		return nil, errors.New("verdict: url evaluator is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Settings == nil {
		deps.Settings = func() Settings { return Settings{} }
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := deps.Logger.With(logging.Field{Key: "component", Value: "verdict"})
	return &Coordinator{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		queue:    tabqueue.New[int](logger),
		headers:  headercache.New(cfg.HeaderCacheSize, cfg.HeaderCacheTTL),
		verdicts: map[int]TabVerdict{},
	}, nil
}

// URLComplete debounces navigation callbacks for a tab and evaluates the
// last URL seen once the burst settles.
func (c *Coordinator) URLComplete(tabID int, rawURL string) error {
	return c.queue.Debounce(tabID, c.cfg.Debounce, func(ctx context.Context) {
		ev := c.deps.Evaluate(rawURL)
		c.apply(ctx, tabID, Transition{Verdict: ev.Verdict, URL: rawURL, Source: SourceURL}, ev.Reason, ev.Origin, "")
	})
}

// EvaluateURL applies a URL evaluation immediately, bypassing the debounce.
func (c *Coordinator) EvaluateURL(ctx context.Context, tabID int, rawURL string) (TabVerdict, error) {
	var out TabVerdict
	err := c.queue.Do(ctx, tabID, func(ctx context.Context) error {
		ev := c.deps.Evaluate(rawURL)
		out, _ = c.apply(ctx, tabID, Transition{Verdict: ev.Verdict, URL: rawURL, Source: SourceURL}, ev.Reason, ev.Origin, "")
		return nil
	})
	return out, err
}

// FlagPhishy forces phishy. An empty url keeps the tab's current URL.
func (c *Coordinator) FlagPhishy(ctx context.Context, tabID int, rawURL, reason string) (TabVerdict, error) {
	var out TabVerdict
	err := c.queue.Do(ctx, tabID, func(ctx context.Context) error {
		u := c.urlOrCurrent(ctx, tabID, rawURL)
		if reason == "" {
			reason = "flagged as phishing"
		}
		out, _ = c.apply(ctx, tabID, Transition{Verdict: Phishy, URL: u, Source: SourceFlag, Forced: true}, reason, "", "")
		return nil
	})
	return out, err
}

// FlagTrustedByReferrer forces trusted because the page was reached from a
// trusted login flow, and tells the tab it is a valid page when enabled.
func (c *Coordinator) FlagTrustedByReferrer(ctx context.Context, tabID int, rawURL, referrer string) (TabVerdict, error) {
	var out TabVerdict
	err := c.queue.Do(ctx, tabID, func(ctx context.Context) error {
		u := c.urlOrCurrent(ctx, tabID, rawURL)
		reason := "trusted by referrer"
		if referrer != "" {
			reason += " " + referrer
		}
		var applied bool
		out, applied = c.apply(ctx, tabID, Transition{Verdict: Trusted, URL: u, Source: SourceReferrer, Forced: true}, reason, "", "")
		if applied && c.deps.Settings().ShowValidPageBadge {
			c.notify(ctx, tabID, Notification{Type: NotifyValidPage, URL: u, Reason: reason})
		}
		return nil
	})
	return out, err
}

// CheckRogueApp looks clientID up and forces rogue-app on a hit. A miss
// leaves the verdict untouched.
func (c *Coordinator) CheckRogueApp(ctx context.Context, tabID int, rawURL, clientID string) (rogueapps.App, bool, error) {
	if c.deps.Apps == nil || strings.TrimSpace(clientID) == "" {
		return rogueapps.App{}, false, nil
	}
	app, hit := c.deps.Apps.Lookup(clientID)
	if !hit {
		return app, false, nil
	}
	err := c.queue.Do(ctx, tabID, func(ctx context.Context) error {
		u := c.urlOrCurrent(ctx, tabID, rawURL)
		reason := fmt.Sprintf("rogue application %q (%s risk)", app.DisplayName, app.Severity)
		c.apply(ctx, tabID, Transition{Verdict: RogueApp, URL: u, Source: SourceRogueApp, Forced: true}, reason, "", app.ClientID)
		return nil
	})
	return app, true, err
}

// ReportScan maps a content scan to a verdict and applies it under the
// precedence rules. It reports whether the verdict changed.
func (c *Coordinator) ReportScan(ctx context.Context, tabID int, res detection.Result) (TabVerdict, bool, error) {
	v, reason := ContentVerdict(res)
	var (
		out     TabVerdict
		applied bool
	)
	err := c.queue.Do(ctx, tabID, func(ctx context.Context) error {
		out, applied = c.apply(ctx, tabID, Transition{Verdict: v, URL: res.URL, Source: SourceContent}, reason, "", "")
		return nil
	})
	return out, applied, err
}

// ContentVerdict maps a scan result to the verdict it implies.
func ContentVerdict(res detection.Result) (Verdict, string) {
	reason := strings.Join(res.Reasons, "; ")
	switch {
	case res.IsPhishing:
		return Phishy, reason
	case res.LoginPage && res.TrustedOrigin:
		return Trusted, reason
	case res.PrimaryCount > 0:
		return MSLoginUnknown, "partial Microsoft login indicators: " + reason
	default:
		return Safe, reason
	}
}

// TabRemoved drops every trace of the tab: verdict, stored copy, badge,
// header cache entry, debounce timer and queue. A transition already
// running for the tab either finishes before the cleanup or is discarded.
func (c *Coordinator) TabRemoved(ctx context.Context, tabID int) {
	c.queue.Remove(tabID)
	c.headers.Delete(tabID)

	c.mu.Lock()
	delete(c.verdicts, tabID)
	safe.Do(ctx, c.logger, "verdict.delete", func(ctx context.Context) error {
		return c.deps.Store.Delete(ctx, storageKey(tabID))
	})
	c.mu.Unlock()
	if c.deps.Renderer != nil {
		safe.Do(ctx, c.logger, "badge.clear", func(ctx context.Context) error {
			return c.deps.Renderer.Clear(ctx, tabID)
		})
	}
	c.logger.Debug("tab removed", logging.Field{Key: "tab_id", Value: tabID})
}

// Get returns the tab's verdict, falling back to the session store so a
// restarted coordinator still answers for open tabs.
func (c *Coordinator) Get(ctx context.Context, tabID int) (TabVerdict, bool) {
	tv := c.load(ctx, tabID)
	if tv == nil {
		return TabVerdict{}, false
	}
	return *tv, true
}

// RecordHeaders caches response headers for the tab.
func (c *Coordinator) RecordHeaders(tabID int, rawURL string, h http.Header) {
	c.headers.Put(tabID, rawURL, h)
}

// Headers returns cached response headers for the tab.
func (c *Coordinator) Headers(tabID int) (headercache.Entry, bool) {
	return c.headers.Get(tabID)
}

// Pending reports whether the tab has a queue or debounce timer alive.
func (c *Coordinator) Pending(tabID int) bool {
	return c.queue.Has(tabID) || c.queue.HasTimer(tabID)
}

// Reset forgets in-memory verdicts and drops every tab queue, debounce
// timer and cached header set. Transitions still running are discarded.
// The caller clears the session store.
func (c *Coordinator) Reset() {
	c.queue.RemoveAll()
	c.headers.Clear()
	c.mu.Lock()
	c.verdicts = map[int]TabVerdict{}
	c.mu.Unlock()
}

// Close stops every tab queue.
func (c *Coordinator) Close() error {
	return c.queue.Close()
}

func (c *Coordinator) load(ctx context.Context, tabID int) *TabVerdict {
	c.mu.RLock()
	tv, ok := c.verdicts[tabID]
	c.mu.RUnlock()
	if ok {
		return &tv
	}
	res := safe.Call(ctx, c.logger, "verdict.load", func(ctx context.Context) (*TabVerdict, error) {
		stored, found, err := storage.GetJSON[TabVerdict](ctx, c.deps.Store, storageKey(tabID))
		if err != nil || !found {
			return nil, err
		}
		return &stored, nil
	})
	if !res.OK() || res.Value == nil {
		return nil
	}
	c.mu.Lock()
	if _, raced := c.verdicts[tabID]; !raced && ctx.Err() == nil {
		c.verdicts[tabID] = *res.Value
	}
	c.mu.Unlock()
	return res.Value
}

func (c *Coordinator) urlOrCurrent(ctx context.Context, tabID int, rawURL string) string {
	if rawURL != "" {
		return rawURL
	}
	if cur := c.load(ctx, tabID); cur != nil {
		return cur.URL
	}
	return ""
}

// apply runs on the tab's queue. It writes the verdict, persists it,
// renders the badge and emits telemetry in one step.
func (c *Coordinator) apply(ctx context.Context, tabID int, tr Transition, reason, origin, appID string) (TabVerdict, bool) {
	if ctx.Err() != nil {
		// The tab was removed while this event was queued.
		return TabVerdict{}, false
	}
	cur := c.load(ctx, tabID)
	if !ShouldApply(cur, tr) {
		c.logger.Debug("transition rejected by precedence",
			logging.Field{Key: "tab_id", Value: tabID},
			logging.Field{Key: "current", Value: cur.Verdict},
			logging.Field{Key: "candidate", Value: tr.Verdict},
			logging.Field{Key: "source", Value: tr.Source})
		return *cur, false
	}

	if origin == "" {
		origin, _ = utils.Origin(tr.URL)
	}
	next := TabVerdict{
		TabID:     tabID,
		Verdict:   tr.Verdict,
		URL:       tr.URL,
		Origin:    origin,
		Reason:    reason,
		AppID:     appID,
		By:        tr.Source,
		UpdatedAt: time.Now().UTC(),
	}

	// The write and the persist happen under mu so TabRemoved cannot slip
	// between them.
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		c.logger.Debug("tab removed during transition", logging.Field{Key: "tab_id", Value: tabID})
		return TabVerdict{}, false
	}
	c.verdicts[tabID] = next
	safe.Do(ctx, c.logger, "verdict.persist", func(ctx context.Context) error {
		return storage.SetJSON(ctx, c.deps.Store, storageKey(tabID), next)
	})
	c.mu.Unlock()

	if c.deps.Renderer != nil {
		safe.Do(ctx, c.logger, "badge.render", func(ctx context.Context) error {
			return c.deps.Renderer.Render(ctx, next)
		})
	}

	changed := cur == nil || cur.Verdict != next.Verdict || cur.URL != next.URL
	if changed {
		c.emit(ctx, next)
	}
	if settings := c.deps.Settings(); changed && next.Verdict.IsThreat() && settings.EnablePageBlocking {
		c.notify(ctx, tabID, Notification{
			Type:         NotifyBlockPage,
			URL:          next.URL,
			Reason:       next.Reason,
			CompanyName:  settings.CompanyName,
			SupportEmail: settings.SupportEmail,
		})
	}

	c.logger.Info("verdict applied",
		logging.Field{Key: "tab_id", Value: tabID},
		logging.Field{Key: "verdict", Value: next.Verdict},
		logging.Field{Key: "source", Value: next.By},
		logging.Field{Key: "url", Value: next.URL})
	return next, true
}

func (c *Coordinator) emit(ctx context.Context, tv TabVerdict) {
	if c.deps.Events == nil {
		return
	}
	ev := telemetry.Event{
		Kind:    telemetry.KindAccess,
		Type:    telemetry.TypeVerdictChange,
		TabID:   tv.TabID,
		URL:     tv.URL,
		Verdict: string(tv.Verdict),
		Reason:  tv.Reason,
	}
	switch tv.Verdict {
	case Phishy:
		ev.Kind, ev.Type, ev.Severity = telemetry.KindSecurity, telemetry.TypePhishingDetected, "high"
	case RogueApp:
		ev.Kind, ev.Type, ev.Severity = telemetry.KindSecurity, telemetry.TypeRogueApp, "high"
		ev.Data = map[string]any{"clientId": tv.AppID}
	case Trusted, TrustedExtra:
		ev.Type = telemetry.TypeLegitimateAccess
	}
	c.deps.Events.Record(ctx, ev)
}

func (c *Coordinator) notify(ctx context.Context, tabID int, n Notification) {
	if c.deps.Notifier == nil {
		return
	}
	safe.Do(ctx, c.logger, "tab.notify", func(ctx context.Context) error {
		return c.deps.Notifier.Notify(ctx, tabID, n)
	})
}

func storageKey(tabID int) string {
	return keyPrefix + strconv.Itoa(tabID)
}
