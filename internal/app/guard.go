// Package app wires the service together. A Guard owns every component
// (stores, caches, engine, coordinator, telemetry, supervisor) and is the
// single entry point for extension messages.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/m365guard/internal/alarm"
	"github.com/raysh454/m365guard/internal/badge"
	"github.com/raysh454/m365guard/internal/cache"
	"github.com/raysh454/m365guard/internal/config"
	"github.com/raysh454/m365guard/internal/detection"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/rogueapps"
	"github.com/raysh454/m365guard/internal/rules"
	"github.com/raysh454/m365guard/internal/storage"
	"github.com/raysh454/m365guard/internal/supervisor"
	"github.com/raysh454/m365guard/internal/telemetry"
	"github.com/raysh454/m365guard/internal/urltrust"
	"github.com/raysh454/m365guard/internal/verdict"
	"github.com/raysh454/m365guard/internal/webclient"
)

// Alarm names for periodic refreshes.
const (
	AlarmRulesRefresh     = "rules.refresh"
	AlarmRogueAppsRefresh = "rogue_apps.refresh"
)

// Guard is the service context object. Build one with New or through a
// Holder; it is safe for concurrent use.
type Guard struct {
	cfg    *Config
	logger logging.Logger
	level  *logging.LevelFilter

	db      *sql.DB
	local   storage.Store
	session storage.Store

	client   webclient.WebClient
	renderer webclient.WebClient

	Rules     *cache.RemoteCache[*rules.RuleSet]
	RogueApps *rogueapps.Registry
	Verdicts  *verdict.Coordinator
	Badges    *badge.Hub
	Events    *telemetry.Sink
	Policy    *config.Manager

	engine  *detection.Engine
	limiter *detection.ScanLimiter
	origins *urltrust.Evaluator
	alarms  *alarm.Scheduler
	sup     *supervisor.Supervisor

	mu        sync.RWMutex
	profileID string
	closed    bool
}

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	client   webclient.WebClient
	renderer webclient.WebClient
	local    storage.Store
	session  storage.Store
}

// WithWebClient replaces the configured fetch backend.
func WithWebClient(wc webclient.WebClient) Option {
	return func(o *options) { o.client = wc }
}

// WithRenderer replaces the rendering backend used for content scans.
func WithRenderer(wc webclient.WebClient) Option {
	return func(o *options) { o.renderer = wc }
}

// WithStores replaces the local and session stores.
func WithStores(local, session storage.Store) Option {
	return func(o *options) { o.local, o.session = local, session }
}

// New constructs every component without touching the network. Call
// Initialize to load policy, caches and alarms.
func New(cfg *Config, logger logging.Logger, opts ...Option) (*Guard, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		return nil, errors.New("app: logger is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	level := logging.NewLevelFilter(logger)
	g := &Guard{cfg: cfg, logger: level, level: level}

	if err := g.openStores(o); err != nil {
		return nil, err
	}

	g.client = o.client
	if g.client == nil {
		wc, err := webclient.NewWebClient(cfg.WebClient, level)
		if err != nil {
			g.closeStores()
			return nil, fmt.Errorf("new webclient: %w", err)
		}
		g.client = wc
	}
	g.renderer = o.renderer
	if g.renderer == nil && cfg.RenderPages {
		rc, err := webclient.NewWebClient(cfg.Renderer, level)
		if err != nil {
			level.Warn("render backend unavailable; content scans fall back to url heuristics", logging.Err(err))
		} else {
			g.renderer = rc
		}
	}

	if err := g.build(); err != nil {
		_ = g.Close(context.Background())
		return nil, err
	}
	return g, nil
}

func (g *Guard) openStores(o options) error {
	if o.local != nil && o.session != nil {
		g.local, g.session = o.local, o.session
		return nil
	}
	if g.cfg.DataDir == "" {
		g.local, g.session = storage.NewMemoryStore(), storage.NewMemoryStore()
		return nil
	}
	dir, err := expandPath(g.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("expanding data dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	db, err := storage.Open(filepath.Join(dir, "m365guard.db"))
	if err != nil {
		return err
	}
	local, err := storage.NewSQLiteStore(db, storage.ScopeLocal)
	if err != nil {
		_ = db.Close()
		return err
	}
	session, err := storage.NewSQLiteStore(db, storage.ScopeSession)
	if err != nil {
		_ = db.Close()
		return err
	}
	g.db, g.local, g.session = db, local, session
	return nil
}

func (g *Guard) build() error {
	var err error
	cfg := g.cfg

	g.Policy, err = config.NewManager(g.local, config.Sources{
		BrandingFile:   cfg.BrandingFile,
		EnterpriseFile: cfg.EnterpriseFile,
	}, g.logger)
	if err != nil {
		return err
	}

	g.Rules, err = cache.New(cache.Options[*rules.RuleSet]{
		Name:            "detection_rules",
		SourceURL:       cfg.Rules.URL,
		StorageKey:      storage.KeyDetectionRulesCache,
		RefreshInterval: cfg.Rules.RefreshInterval,
		CacheDuration:   cfg.Rules.CacheDuration,
		FetchTimeout:    cfg.Rules.FetchTimeout,
		Decode:          rules.Decode,
		Defaults:        rules.Default,
		Count:           (*rules.RuleSet).ElementCount,
	}, g.client, g.local, g.logger)
	if err != nil {
		return fmt.Errorf("new rules cache: %w", err)
	}

	g.RogueApps, err = rogueapps.NewRegistry(rogueapps.Config{
		SourceURL:       cfg.RogueApps.URL,
		RefreshInterval: cfg.RogueApps.RefreshInterval,
		CacheDuration:   cfg.RogueApps.CacheDuration,
		FetchTimeout:    cfg.RogueApps.FetchTimeout,
	}, g.client, g.local, g.logger)
	if err != nil {
		return fmt.Errorf("new rogue app registry: %w", err)
	}

	g.Events, err = telemetry.NewSink(cfg.Telemetry, g.local, g.client, g.reporting, g.logger)
	if err != nil {
		return err
	}

	g.engine = detection.NewEngine(g.logger)
	g.limiter = detection.NewScanLimiter(cfg.ScanLimit, cfg.ScanCooldown)
	g.origins = urltrust.NewEvaluator(g.logger)
	g.Badges = badge.NewHub(g.logger)

	g.Verdicts, err = verdict.NewCoordinator(cfg.Verdict, verdict.Deps{
		Store:    g.session,
		Renderer: g.Badges,
		Notifier: g.Badges,
		Events:   g.Events,
		Apps:     g.RogueApps,
		Evaluate: g.evaluateURL,
		Settings: g.settings,
		Logger:   g.logger,
	})
	if err != nil {
		return err
	}

	g.alarms, err = alarm.New(g.local, g.logger)
	if err != nil {
		return err
	}
	g.alarms.Register(AlarmRulesRefresh, g.periodicRefresh(AlarmRulesRefresh, g.Rules.RefreshInterval, func(ctx context.Context) error {
		_, err := g.Rules.Refresh(ctx)
		return err
	}))
	appsEvery := cfg.RogueApps.RefreshInterval
	g.alarms.Register(AlarmRogueAppsRefresh, g.periodicRefresh(AlarmRogueAppsRefresh, func() time.Duration { return appsEvery }, g.RogueApps.Refresh))

	g.sup, err = supervisor.New(cfg.Supervisor, g.start, g.enterFallback, g.alarms, g.logger)
	return err
}

// Initialize brings the guard up through the supervisor. Failures are
// retried in the background; the guard keeps answering in the meantime.
func (g *Guard) Initialize(ctx context.Context) error {
	return g.sup.Initialize(ctx)
}

// start is the supervised initialization sequence.
func (g *Guard) start(ctx context.Context) error {
	if _, err := g.Policy.Load(ctx); err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	g.applyPolicy(ctx)

	if err := g.ensureProfileID(ctx); err != nil {
		return fmt.Errorf("profile id: %w", err)
	}

	rulesMeta := g.Rules.Initialize(ctx)
	appsMeta := g.RogueApps.Initialize(ctx)
	g.Events.Start()

	if _, err := g.alarms.Restore(ctx); err != nil {
		return fmt.Errorf("restoring alarms: %w", err)
	}
	for name, every := range map[string]time.Duration{
		AlarmRulesRefresh:     g.Rules.RefreshInterval(),
		AlarmRogueAppsRefresh: g.cfg.RogueApps.RefreshInterval,
	} {
		if _, armed := g.alarms.Pending(name); armed || every <= 0 {
			continue
		}
		if err := g.alarms.Arm(ctx, name, every); err != nil {
			return fmt.Errorf("arming %s: %w", name, err)
		}
	}

	g.logger.Info("guard started",
		logging.Field{Key: "rules_source", Value: rulesMeta.Source},
		logging.Field{Key: "rules", Value: rulesMeta.Count},
		logging.Field{Key: "rogue_apps_source", Value: appsMeta.Source},
		logging.Field{Key: "rogue_apps", Value: appsMeta.Count})
	return nil
}

func (g *Guard) enterFallback(ctx context.Context) {
	g.Policy.ApplyFallback()
	g.applyPolicy(ctx)
}

// applyPolicy pushes policy values into the components that cache them.
// A positive rulesUpdateHours overrides the configured rules interval; a
// pending rules refresh is moved to the new interval.
func (g *Guard) applyPolicy(ctx context.Context) {
	p := g.Policy.Get()
	g.level.SetDebug(p.EnableDebugLogging)
	src := g.cfg.Rules.URL
	if p.CustomRulesURL != "" {
		src = p.CustomRulesURL
	}
	g.Rules.SetSourceURL(src)

	every := g.cfg.Rules.RefreshInterval
	if p.RulesUpdateHours > 0 {
		every = time.Duration(p.RulesUpdateHours) * time.Hour
	}
	if every == g.Rules.RefreshInterval() {
		return
	}
	g.Rules.SetRefreshInterval(every)
	if _, armed := g.alarms.Pending(AlarmRulesRefresh); armed && every > 0 {
		if err := g.alarms.Arm(ctx, AlarmRulesRefresh, every); err != nil {
			g.logger.Warn("re-arming rules refresh", logging.Err(err))
		}
	}
}

func (g *Guard) periodicRefresh(name string, interval func() time.Duration, refresh func(context.Context) error) alarm.Handler {
	return func(ctx context.Context) {
		if err := refresh(ctx); err != nil {
			g.logger.Warn("periodic refresh failed", logging.Field{Key: "alarm", Value: name}, logging.Err(err))
		}
		every := interval()
		if every <= 0 {
			return
		}
		if err := g.alarms.Arm(ctx, name, every); err != nil {
			g.logger.Warn("re-arming refresh", logging.Field{Key: "alarm", Value: name}, logging.Err(err))
		}
	}
}

func (g *Guard) ensureProfileID(ctx context.Context) error {
	id, found, err := storage.GetJSON[string](ctx, g.local, storage.KeyProfileID)
	if err != nil {
		return err
	}
	if !found || id == "" {
		id = uuid.NewString()
		if err := storage.SetJSON(ctx, g.local, storage.KeyProfileID, id); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.profileID = id
	g.mu.Unlock()
	return nil
}

// ProfileID identifies this installation in outbound reports.
func (g *Guard) ProfileID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.profileID
}

// Status is the liveness view reported by ping.
func (g *Guard) Status() supervisor.Status {
	return g.sup.Status()
}

func (g *Guard) evaluateURL(rawURL string) verdict.Evaluation {
	out := g.origins.Evaluate(rawURL, g.Rules.Get(), g.Policy.Get().URLAllowlist)
	return verdict.Evaluation{Verdict: out.Verdict, Origin: out.Origin, Reason: out.Reason}
}

func (g *Guard) settings() verdict.Settings {
	p := g.Policy.Get()
	return verdict.Settings{
		EnablePageBlocking: p.EnablePageBlocking,
		ShowValidPageBadge: p.ShowValidPageBadge,
		CompanyName:        p.CompanyName,
		SupportEmail:       p.SupportEmail,
	}
}

func (g *Guard) reporting() telemetry.Reporting {
	p := g.Policy.Get()
	return telemetry.Reporting{
		Enabled:   p.Reporting(),
		ServerURL: p.CippServerURL,
		TenantID:  p.CippTenantID,
		ProfileID: g.ProfileID(),
	}
}

// Close flushes telemetry and releases every component. Pending alarms
// stay persisted for the next start.
func (g *Guard) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	var errs []error
	if g.alarms != nil {
		errs = append(errs, g.alarms.Close())
	}
	if g.Verdicts != nil {
		errs = append(errs, g.Verdicts.Close())
	}
	if g.Badges != nil {
		errs = append(errs, g.Badges.Close())
	}
	if g.Rules != nil {
		errs = append(errs, g.Rules.Close())
	}
	if g.RogueApps != nil {
		errs = append(errs, g.RogueApps.Close())
	}
	if g.Events != nil {
		errs = append(errs, g.Events.Close(ctx))
	}
	if g.renderer != nil {
		errs = append(errs, g.renderer.Close())
	}
	if g.client != nil {
		errs = append(errs, g.client.Close())
	}
	errs = append(errs, g.closeStores())
	return errors.Join(errs...)
}

func (g *Guard) closeStores() error {
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

func expandPath(p string) (string, error) {
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	return p, nil
}
