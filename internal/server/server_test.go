package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raysh454/m365guard/internal/app"
	"github.com/raysh454/m365guard/internal/badge"
	"github.com/raysh454/m365guard/internal/messaging"
	"github.com/raysh454/m365guard/internal/server"
	"github.com/raysh454/m365guard/internal/storage"
	"github.com/raysh454/m365guard/internal/testutil"
	"github.com/raysh454/m365guard/internal/verdict"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()

	logger := &testutil.DummyLogger{}
	cfg := app.DefaultConfig()
	cfg.DataDir = ""
	client := &testutil.DummyWebClient{}
	client.SetFail(cfg.Rules.URL, true)
	client.SetFail(cfg.RogueApps.URL, true)

	g, err := app.New(cfg, logger, app.WithWebClient(client), app.WithStores(storage.NewMemoryStore(), storage.NewMemoryStore()))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	if err := g.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = g.Close(context.Background()) })

	s, err := server.NewServer(server.Config{ListenAddr: ":0", Logger: logger}, g)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON response: %v (body: %s)", err, rec.Body.String())
	}
}

// ─── CORS ──────────────────────────────────────────────────────────────

func TestServer_CORS_HeaderPresent(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := doJSON(t, s, "GET", "/healthz", "")
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin *, got %q", origin)
	}
}

func TestServer_CORS_Preflight(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := doJSON(t, s, "OPTIONS", "/messages", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if m := rec.Header().Get("Access-Control-Allow-Methods"); m != "POST" {
		t.Errorf("unexpected methods %q", m)
	}
}

// ─── Messages ──────────────────────────────────────────────────────────

func TestServer_Ping(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := doJSON(t, s, "POST", "/messages", `{"type":"ping"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp messaging.PingResponse
	decodeJSON(t, rec, &resp)
	if !resp.Success || !resp.Initialized || resp.FallbackMode {
		t.Errorf("unexpected ping %+v", resp)
	}
}

func TestServer_UnknownMessage(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := doJSON(t, s, "POST", "/messages", `{"type":"SELF_DESTRUCT"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp server.ErrorResponse
	decodeJSON(t, rec, &resp)
	if resp.Type != "SELF_DESTRUCT" || resp.Error == "" {
		t.Errorf("unexpected error response %+v", resp)
	}
}

func TestServer_InvalidMessage(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	for _, body := range []string{`{`, `{"type":"CHECK_ROGUE_APP","tabId":1}`} {
		rec := doJSON(t, s, "POST", "/messages", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestServer_FlagAndReadVerdict(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := doJSON(t, s, "POST", "/messages", `{"type":"FLAG_PHISHY","tabId":7,"url":"https://evil.example/","reason":"reported"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "GET", "/tabs/7/verdict", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp app.VerdictResponse
	decodeJSON(t, rec, &resp)
	if resp.Verdict.Verdict != verdict.Phishy || resp.Verdict.Reason != "reported" {
		t.Errorf("unexpected verdict %+v", resp.Verdict)
	}

	if rec := doJSON(t, s, "GET", "/tabs/8/verdict", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown tab, got %d", rec.Code)
	}
	if rec := doJSON(t, s, "GET", "/tabs/x/verdict", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad tab id, got %d", rec.Code)
	}
}

func TestServer_RulesAndStatistics(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := doJSON(t, s, "GET", "/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rules app.RulesResponse
	decodeJSON(t, rec, &rules)
	if rules.Rules == nil || len(rules.Rules.PrimaryElements) == 0 {
		t.Errorf("unexpected rules %+v", rules)
	}

	rec = doJSON(t, s, "GET", "/statistics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_Swagger(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := doJSON(t, s, "GET", "/swagger/doc.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "m365guard API") {
		t.Error("swagger document missing title")
	}
}

// ─── Badges over websocket ─────────────────────────────────────────────

func TestServer_BadgeStream(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/badges?tabId=4", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Give the hub a moment to register the subscriber.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Post(ts.URL+"/messages", "application/json",
		strings.NewReader(`{"type":"FLAG_PHISHY","tabId":4,"url":"https://evil.example/"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg badge.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == badge.MessageBadge {
			if msg.Badge.Verdict != verdict.Phishy {
				t.Errorf("unexpected badge %+v", msg.Badge)
			}
			return
		}
	}
}
