package demoserver_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/raysh454/m365guard/internal/demoserver"
	"github.com/raysh454/m365guard/internal/detection"
	"github.com/raysh454/m365guard/internal/rogueapps"
	"github.com/raysh454/m365guard/internal/rules"
	"github.com/raysh454/m365guard/internal/testutil"
)

func newServer(t *testing.T) (*demoserver.DemoServer, *httptest.Server) {
	t.Helper()
	ds := demoserver.NewDemoServer(demoserver.DefaultConfig(), &testutil.DummyLogger{})
	ts := httptest.NewServer(ds.Handler())
	t.Cleanup(ts.Close)
	return ds, ts
}

func get(t *testing.T, ts *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestDemoServer_LoginVersionsScoreAsExpected(t *testing.T) {
	t.Parallel()
	ds, ts := newServer(t)
	engine := detection.NewEngine(&testutil.DummyLogger{})
	rs := rules.Default()

	resp, body := get(t, ts, "/login")
	if resp.Header.Get("Content-Security-Policy") == "" {
		t.Error("benign version should carry a CSP header")
	}
	if res := engine.Analyze(ts.URL+"/login", body, rs); res.IsPhishing {
		t.Errorf("benign login flagged: %+v", res)
	}

	if !ds.SetVersion("/login", demoserver.VersionKit) {
		t.Fatal("SetVersion failed")
	}
	resp, body = get(t, ts, "/login")
	if resp.Header.Get("Content-Security-Policy") != "" {
		t.Error("kit version should not carry a CSP header")
	}
	if res := engine.Analyze(ts.URL+"/login", body, rs); !res.IsPhishing {
		t.Errorf("kit not flagged: %+v", res)
	}
}

func TestDemoServer_Feeds(t *testing.T) {
	t.Parallel()
	_, ts := newServer(t)

	_, body := get(t, ts, "/rules.json")
	if _, err := rules.Decode([]byte(body)); err != nil {
		t.Errorf("rules feed does not decode: %v", err)
	}

	_, body = get(t, ts, "/rogue-apps.json")
	table, err := rogueapps.Decode([]byte(body))
	if err != nil {
		t.Fatalf("rogue app feed does not decode: %v", err)
	}
	if _, ok := table.Lookup(demoserver.RogueClientID); !ok {
		t.Error("consent page client id missing from the feed")
	}
}

func TestDemoServer_ControlPanel(t *testing.T) {
	t.Parallel()
	_, ts := newServer(t)

	resp, err := http.PostForm(ts.URL+"/demo/set-version", url.Values{"path": {"/consent"}, "version": {"2"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	_, body := get(t, ts, "/consent")
	if !strings.Contains(body, demoserver.RogueClientID) {
		t.Error("consent page did not switch to the rogue version")
	}

	resp, err = http.Post(ts.URL+"/demo/bump-all", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	_, body = get(t, ts, "/demo/get-versions")
	var pages []demoserver.PageInfo
	if err := json.Unmarshal([]byte(body), &pages); err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"/": 2, "/consent": 2, "/login": 2}
	for _, p := range pages {
		if p.CurrentVersion != want[p.Path] {
			t.Errorf("%s: version %d, want %d", p.Path, p.CurrentVersion, want[p.Path])
		}
	}

	resp, err = http.Post(ts.URL+"/demo/set-version", "application/x-www-form-urlencoded", strings.NewReader("path=/&version=x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad version, got %d", resp.StatusCode)
	}

	_, body = get(t, ts, "/demo/control")
	for _, want := range []string{"/rules.json", "/rogue-apps.json", "full credential kit", "rogue app consent"} {
		if !strings.Contains(body, want) {
			t.Errorf("control panel missing %q", want)
		}
	}
}

func TestDemoServer_CustomFeedPaths(t *testing.T) {
	t.Parallel()
	ds := demoserver.NewDemoServer(demoserver.Config{RulesPath: "/feeds/rules", RogueAppsPath: "/feeds/apps"}, &testutil.DummyLogger{})
	ts := httptest.NewServer(ds.Handler())
	t.Cleanup(ts.Close)

	resp, body := get(t, ts, "/feeds/rules")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rules feed status %d", resp.StatusCode)
	}
	if _, err := rules.Decode([]byte(body)); err != nil {
		t.Errorf("rules feed does not decode: %v", err)
	}
	if resp, _ := get(t, ts, "/rules.json"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("default rules route must be gone, got %d", resp.StatusCode)
	}

	_, body = get(t, ts, "/demo/control")
	if !strings.Contains(body, "/feeds/apps") {
		t.Error("control panel must link the configured feeds")
	}

	// Every page starts benign when no stage is configured.
	_, body = get(t, ts, "/demo/get-versions")
	var pages []demoserver.PageInfo
	if err := json.Unmarshal([]byte(body), &pages); err != nil {
		t.Fatal(err)
	}
	for _, p := range pages {
		if p.CurrentVersion != demoserver.VersionBenign {
			t.Errorf("%s starts at %d", p.Path, p.CurrentVersion)
		}
	}
}

func TestConfig_BaseURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		addr string
		want string
	}{
		{"", "http://localhost:9999"},
		{":8080", "http://localhost:8080"},
		{"127.0.0.1:7000", "http://127.0.0.1:7000"},
	}
	for _, tc := range cases {
		if got := (demoserver.Config{Addr: tc.addr}).BaseURL(); got != tc.want {
			t.Errorf("BaseURL(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
