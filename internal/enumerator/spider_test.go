package enumerator_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/raysh454/m365guard/internal/enumerator"
	"github.com/raysh454/m365guard/internal/testutil"
	"github.com/raysh454/m365guard/internal/webclient"
)

func page(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "text/html")
		_, _ = io.WriteString(w, body)
	}
}

// lureServer mimics a phishing chain: an email landing page that leads,
// through a document viewer, to the credential form.
func lureServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", page(`
	<a href=/shared-doc>Open shared document</a>
	<a href="https://login.microsoftonline.com/">real login</a>
	<a href="mailto:it@contoso.example">IT</a>
	<a href=#top>top</a>`))
	mux.HandleFunc("/shared-doc", page(`
	<iframe src="/viewer?utm_source=mail"></iframe>
	<a href=/shared-doc>self</a>`))
	mux.HandleFunc("/viewer", page(`
	<meta http-equiv="refresh" content="3; url=/signin">
	<form action="/viewer/unlock" method="post"></form>`))
	mux.HandleFunc("/signin", page(`<script>var next = "http://127.0.0.1:1/unreachable";</script>`))
	mux.HandleFunc("/viewer/unlock", page(`done`))

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func enumerate(t *testing.T, maxDepth, maxPages int, target string) []string {
	t.Helper()
	wc, err := webclient.NewWebClient(webclient.Config{Client: webclient.ClientNetHTTP}, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("webclient: %v", err)
	}
	t.Cleanup(func() { _ = wc.Close() })

	got, err := enumerator.NewSpider(maxDepth, maxPages, wc, &testutil.DummyLogger{}).Enumerate(context.Background(), target)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	return got
}

func TestSpider_Depths(t *testing.T) {
	t.Parallel()
	ts := lureServer(t)
	root := ts.URL + "/"

	tests := []struct {
		name     string
		maxDepth int
		want     []string
	}{
		{
			name:     "depth 0 reports the root's links",
			maxDepth: 0,
			want:     []string{root, ts.URL + "/shared-doc"},
		},
		{
			name:     "depth 1 follows frames and drops tracking params",
			maxDepth: 1,
			want:     []string{root, ts.URL + "/shared-doc", ts.URL + "/viewer"},
		},
		{
			name:     "depth 2 follows form and refresh targets, not other origins",
			maxDepth: 2,
			want:     []string{root, ts.URL + "/shared-doc", ts.URL + "/viewer", ts.URL + "/viewer/unlock", ts.URL + "/signin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := enumerate(t, tt.maxDepth, 0, ts.URL); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpider_MaxPages(t *testing.T) {
	t.Parallel()
	ts := lureServer(t)
	if got := enumerate(t, 5, 2, ts.URL); len(got) != 2 {
		t.Errorf("expected the walk to stop at 2 pages, got %v", got)
	}
}

func TestSpider_NilClient(t *testing.T) {
	t.Parallel()
	if _, err := enumerator.NewSpider(1, 0, nil, nil).Enumerate(context.Background(), "https://a.example/"); err == nil {
		t.Error("expected error for nil webclient")
	}
}

func TestSpider_BadTarget(t *testing.T) {
	t.Parallel()
	wc := &testutil.DummyWebClient{}
	if _, err := enumerator.NewSpider(1, 0, wc, nil).Enumerate(context.Background(), ""); err == nil {
		t.Error("expected error for empty target")
	}
}
