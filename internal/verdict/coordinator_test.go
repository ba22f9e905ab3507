package verdict_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raysh454/m365guard/internal/detection"
	"github.com/raysh454/m365guard/internal/rogueapps"
	"github.com/raysh454/m365guard/internal/storage"
	"github.com/raysh454/m365guard/internal/telemetry"
	"github.com/raysh454/m365guard/internal/testutil"
	"github.com/raysh454/m365guard/internal/verdict"
)

const (
	loginURL = "https://login.microsoftonline.com/common/oauth2/authorize"
	phishURL = "https://m365-verify.example/login"
)

type fakeApps map[string]rogueapps.App

func (f fakeApps) Lookup(id string) (rogueapps.App, bool) {
	a, ok := f[strings.ToLower(id)]
	return a, ok
}

func evaluate(rawURL string) verdict.Evaluation {
	if strings.HasPrefix(rawURL, "https://login.microsoftonline.com") {
		return verdict.Evaluation{Verdict: verdict.Trusted, Reason: "trusted login origin"}
	}
	return verdict.Evaluation{Verdict: verdict.NotEvaluated, Reason: "origin not recognized"}
}

type fixture struct {
	coord    *verdict.Coordinator
	store    *storage.MemoryStore
	renderer *testutil.DummyRenderer
	events   *testutil.DummyEventSink
	settings verdict.Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		renderer: &testutil.DummyRenderer{},
		events:   &testutil.DummyEventSink{},
	}
	c, err := verdict.NewCoordinator(verdict.Config{Debounce: 20 * time.Millisecond}, verdict.Deps{
		Store:    f.store,
		Renderer: f.renderer,
		Notifier: f.renderer,
		Events:   f.events,
		Apps:     fakeApps{"evil-client": {ClientID: "evil-client", DisplayName: "Mail_Backup", Severity: "high"}},
		Evaluate: evaluate,
		Settings: func() verdict.Settings { return f.settings },
		Logger:   &testutil.DummyLogger{},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.coord = c
	t.Cleanup(func() { _ = c.Close() })
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func verdictOf(f *fixture, tab int) verdict.Verdict {
	tv, ok := f.coord.Get(context.Background(), tab)
	if !ok {
		return ""
	}
	return tv.Verdict
}

func TestURLComplete_DebouncesAndApplies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		if err := f.coord.URLComplete(1, loginURL); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return verdictOf(f, 1) == verdict.Trusted })

	// Let any stray timer fire before counting.
	time.Sleep(60 * time.Millisecond)
	if n := f.renderer.RenderCount(); n != 1 {
		t.Errorf("expected one evaluation for a burst, got %d renders", n)
	}
	if len(f.events.OfType(telemetry.TypeLegitimateAccess)) != 1 {
		t.Error("expected a legitimate access event")
	}
}

func TestVerdictMonotonicity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, start := range []verdict.Verdict{verdict.Phishy, verdict.RogueApp, verdict.MSLoginUnknown} {
		f := newFixture(t)
		switch start {
		case verdict.Phishy:
			_, _ = f.coord.FlagPhishy(ctx, 2, loginURL, "test")
		case verdict.RogueApp:
			_, _, _ = f.coord.CheckRogueApp(ctx, 2, loginURL, "EVIL-CLIENT")
		case verdict.MSLoginUnknown:
			_, _, _ = f.coord.ReportScan(ctx, 2, detection.Result{URL: loginURL, PrimaryCount: 1})
		}
		if got := verdictOf(f, 2); got != start {
			t.Fatalf("setup: expected %s, got %s", start, got)
		}
		for i := 0; i < 3; i++ {
			if _, err := f.coord.EvaluateURL(ctx, 2, loginURL); err != nil {
				t.Fatal(err)
			}
		}
		if got := verdictOf(f, 2); got != start {
			t.Errorf("urlComplete on same URL reverted %s to %s", start, got)
		}
	}
}

func TestTrustedSupersededBySpecificVerdict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if tv, _ := f.coord.EvaluateURL(ctx, 3, loginURL); tv.Verdict != verdict.Trusted {
		t.Fatalf("expected trusted, got %s", tv.Verdict)
	}
	tv, applied, err := f.coord.ReportScan(ctx, 3, detection.Result{URL: loginURL, PrimaryCount: 2})
	if err != nil || !applied || tv.Verdict != verdict.MSLoginUnknown {
		t.Fatalf("expected ms-login-unknown to supersede trusted, got %s applied=%v err=%v", tv.Verdict, applied, err)
	}
	_, applied, _ = f.coord.ReportScan(ctx, 3, detection.Result{URL: loginURL})
	if applied {
		t.Error("safe must not lower ms-login-unknown on the same URL")
	}
}

func TestReportScan_SafeOverridesPhishy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tv, applied, _ := f.coord.ReportScan(ctx, 4, detection.Result{URL: phishURL, IsPhishing: true, PrimaryCount: 3, Reasons: []string{"kit"}})
	if !applied || tv.Verdict != verdict.Phishy {
		t.Fatalf("expected phishy, got %+v", tv)
	}
	if len(f.events.OfType(telemetry.TypePhishingDetected)) != 1 {
		t.Error("expected a security event for a new phishy verdict")
	}
	_, applied, _ = f.coord.ReportScan(ctx, 4, detection.Result{URL: phishURL, PrimaryCount: 1})
	if applied {
		t.Error("partial indicators must not lift phishy")
	}
	tv, applied, _ = f.coord.ReportScan(ctx, 4, detection.Result{URL: phishURL})
	if !applied || tv.Verdict != verdict.Safe {
		t.Errorf("content safe must override phishy, got %s applied=%v", tv.Verdict, applied)
	}
}

func TestContentVerdictMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		res  detection.Result
		want verdict.Verdict
	}{
		{detection.Result{IsPhishing: true, LoginPage: true, PrimaryCount: 3}, verdict.Phishy},
		{detection.Result{LoginPage: true, TrustedOrigin: true, PrimaryCount: 3}, verdict.Trusted},
		{detection.Result{PrimaryCount: 1}, verdict.MSLoginUnknown},
		{detection.Result{SecondaryCount: 2}, verdict.Safe},
	}
	for _, tt := range tests {
		if got, _ := verdict.ContentVerdict(tt.res); got != tt.want {
			t.Errorf("ContentVerdict(%+v) = %s, want %s", tt.res, got, tt.want)
		}
	}
}

func TestFlagTrustedByReferrer_NotifiesWhenEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.settings.ShowValidPageBadge = true
	ctx := context.Background()

	if tv, _ := f.coord.EvaluateURL(ctx, 5, "https://portal.contoso.example/"); tv.Verdict != verdict.NotEvaluated {
		t.Fatalf("unexpected initial verdict %s", tv.Verdict)
	}
	tv, err := f.coord.FlagTrustedByReferrer(ctx, 5, "", "https://login.microsoftonline.com")
	if err != nil || tv.Verdict != verdict.Trusted || tv.By != verdict.SourceReferrer {
		t.Fatalf("expected forced trusted by referrer, got %+v err=%v", tv, err)
	}
	if tv.URL != "https://portal.contoso.example/" {
		t.Errorf("empty url must keep the current page, got %q", tv.URL)
	}
	notes := f.renderer.NotificationsFor(5)
	if len(notes) != 1 || notes[0].Type != verdict.NotifyValidPage {
		t.Errorf("expected one valid_page notification, got %+v", notes)
	}
}

func TestFlagTrustedByReferrer_CannotLiftThreat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.settings.ShowValidPageBadge = true
	ctx := context.Background()
	const referrer = "https://login.microsoftonline.com"

	_, _ = f.coord.FlagPhishy(ctx, 12, phishURL, "kit")
	tv, err := f.coord.FlagTrustedByReferrer(ctx, 12, phishURL, referrer)
	if err != nil || tv.Verdict != verdict.Phishy {
		t.Errorf("referrer trust must not lift phishy, got %+v err=%v", tv, err)
	}

	if _, hit, _ := f.coord.CheckRogueApp(ctx, 13, phishURL, "evil-client"); !hit {
		t.Fatal("expected rogue app hit")
	}
	tv, err = f.coord.FlagTrustedByReferrer(ctx, 13, "", referrer)
	if err != nil || tv.Verdict != verdict.RogueApp {
		t.Errorf("referrer trust must not lift rogue-app, got %+v err=%v", tv, err)
	}

	for _, tab := range []int{12, 13} {
		if notes := f.renderer.NotificationsFor(tab); len(notes) != 0 {
			t.Errorf("tab %d: rejected referrer trust must not notify, got %+v", tab, notes)
		}
	}

	tv, _ = f.coord.FlagTrustedByReferrer(ctx, 12, loginURL, referrer)
	if tv.Verdict != verdict.Trusted {
		t.Errorf("referrer trust on a new URL must apply, got %s", tv.Verdict)
	}
}

func TestPageBlockingNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.settings = verdict.Settings{EnablePageBlocking: true, CompanyName: "Contoso", SupportEmail: "helpdesk@contoso.example"}
	ctx := context.Background()

	_, _ = f.coord.FlagPhishy(ctx, 6, phishURL, "kit")
	_, _ = f.coord.FlagPhishy(ctx, 6, phishURL, "kit again")
	notes := f.renderer.NotificationsFor(6)
	if len(notes) != 1 || notes[0].Type != verdict.NotifyBlockPage {
		t.Fatalf("expected a single block_page notification, got %+v", notes)
	}
	if notes[0].CompanyName != "Contoso" || notes[0].SupportEmail != "helpdesk@contoso.example" {
		t.Errorf("block page must carry branding, got %+v", notes[0])
	}
}

func TestCheckRogueApp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, hit, _ := f.coord.CheckRogueApp(ctx, 7, loginURL, "benign-client"); hit {
		t.Fatal("unexpected hit")
	}
	if _, ok := f.coord.Get(ctx, 7); ok {
		t.Fatal("a miss must not create a verdict")
	}

	app, hit, err := f.coord.CheckRogueApp(ctx, 7, loginURL, "Evil-Client")
	if err != nil || !hit || app.DisplayName != "Mail_Backup" {
		t.Fatalf("expected hit, got %+v hit=%v err=%v", app, hit, err)
	}
	tv, _ := f.coord.Get(ctx, 7)
	if tv.Verdict != verdict.RogueApp || tv.AppID != "evil-client" {
		t.Errorf("unexpected verdict %+v", tv)
	}
	if len(f.events.OfType(telemetry.TypeRogueApp)) != 1 {
		t.Error("expected a rogue app security event")
	}
}

func TestNewURLResetsVerdict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.coord.FlagPhishy(ctx, 8, phishURL, "kit")
	tv, err := f.coord.EvaluateURL(ctx, 8, loginURL)
	if err != nil || tv.Verdict != verdict.Trusted {
		t.Errorf("navigation to a new URL must re-evaluate, got %s", tv.Verdict)
	}
}

func TestReset_DropsAllTabState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.coord.RecordHeaders(4, phishURL, http.Header{"Server": {"nginx"}})
	_ = f.coord.URLComplete(4, phishURL)
	_ = f.coord.URLComplete(5, loginURL)

	f.coord.Reset()

	for _, id := range []int{4, 5} {
		if f.coord.Pending(id) {
			t.Errorf("tab %d: queue and debounce timer must be gone", id)
		}
	}
	if _, ok := f.coord.Headers(4); ok {
		t.Error("header cache must be cleared")
	}
	time.Sleep(50 * time.Millisecond)
	for _, id := range []int{4, 5} {
		if _, ok := f.coord.Get(ctx, id); ok {
			t.Errorf("tab %d: a debounced evaluation must not fire after reset", id)
		}
	}

	tv, err := f.coord.EvaluateURL(ctx, 4, loginURL)
	if err != nil || tv.Verdict != verdict.Trusted {
		t.Errorf("coordinator must keep working after reset, got %s err=%v", tv.Verdict, err)
	}
}

func TestTabRemoved_CleansEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.coord.FlagPhishy(ctx, 9, phishURL, "kit")
	f.coord.RecordHeaders(9, phishURL, http.Header{"Server": {"nginx"}})
	_ = f.coord.URLComplete(9, phishURL)

	f.coord.TabRemoved(ctx, 9)

	if _, ok := f.coord.Get(ctx, 9); ok {
		t.Error("verdict must be gone")
	}
	if _, ok := f.coord.Headers(9); ok {
		t.Error("header cache entry must be gone")
	}
	if f.coord.Pending(9) {
		t.Error("queue and debounce timer must be gone")
	}
	if _, err := f.store.Get(ctx, "verdict:9"); err == nil {
		t.Error("stored verdict must be deleted")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := f.coord.Get(ctx, 9); ok {
		t.Error("a debounced evaluation must not resurrect the tab")
	}
}

// gatedStore blocks its first Get until release is closed.
type gatedStore struct {
	*storage.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemoryStore.Get(ctx, key)
}

func TestTabRemoved_DiscardsInFlightTransition(t *testing.T) {
	t.Parallel()
	store := &gatedStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	renderer := &testutil.DummyRenderer{}
	c, err := verdict.NewCoordinator(verdict.Config{}, verdict.Deps{
		Store:    store,
		Renderer: renderer,
		Evaluate: evaluate,
		Logger:   &testutil.DummyLogger{},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	go func() { _, _ = c.FlagPhishy(ctx, 9, phishURL, "kit") }()
	<-store.entered
	c.TabRemoved(ctx, 9)
	close(store.release)

	// Close waits for the in-flight transition to return.
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if tv, ok := c.Get(ctx, 9); ok {
		t.Errorf("removed tab came back as %s", tv.Verdict)
	}
	if _, err := store.MemoryStore.Get(ctx, "verdict:9"); err == nil {
		t.Error("removed tab was persisted again")
	}
	if n := renderer.RenderCount(); n != 0 {
		t.Errorf("removed tab was rendered %d times", n)
	}
}

func TestGet_FallsBackToSessionStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.coord.FlagPhishy(ctx, 10, phishURL, "kit")

	restarted, err := verdict.NewCoordinator(verdict.Config{}, verdict.Deps{Store: f.store, Evaluate: evaluate})
	if err != nil {
		t.Fatal(err)
	}
	defer restarted.Close()
	tv, ok := restarted.Get(ctx, 10)
	if !ok || tv.Verdict != verdict.Phishy {
		t.Fatalf("expected persisted phishy verdict, got %+v ok=%v", tv, ok)
	}
	if _, err := restarted.EvaluateURL(ctx, 10, phishURL); err != nil {
		t.Fatal(err)
	}
	if tv, _ := restarted.Get(ctx, 10); tv.Verdict != verdict.Phishy {
		t.Errorf("restored verdict must keep precedence, got %s", tv.Verdict)
	}
}

func TestRenderFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.renderer.FailRender = true
	tv, err := f.coord.FlagPhishy(context.Background(), 11, phishURL, "kit")
	if err != nil || tv.Verdict != verdict.Phishy {
		t.Fatalf("render failure must not block the verdict, got %+v err=%v", tv, err)
	}
}
