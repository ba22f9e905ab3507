package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/raysh454/m365guard/internal/cache"
	"github.com/raysh454/m365guard/internal/storage"
	"github.com/raysh454/m365guard/internal/testutil"
)

const srcURL = "https://rules.example/list.json"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func decodeList(b []byte) ([]string, error) {
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("expected array")
	}
	return out, nil
}

func newCache(t *testing.T, client *testutil.DummyWebClient, store storage.Store, clock *fakeClock) *cache.RemoteCache[[]string] {
	t.Helper()
	c, err := cache.New(cache.Options[[]string]{
		Name:            "test",
		SourceURL:       srcURL,
		StorageKey:      storage.KeyRogueAppsCache,
		RefreshInterval: time.Hour,
		CacheDuration:   24 * time.Hour,
		FetchTimeout:    time.Second,
		Decode:          decodeList,
		Defaults:        func() []string { return []string{"bundled"} },
		Count:           func(v []string) int { return len(v) },
		Now:             clock.Now,
	}, client, store, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestInitialize_NetworkFailureServesDefaults(t *testing.T) {
	t.Parallel()
	client := &testutil.DummyWebClient{FailURLs: map[string]bool{srcURL: true}}
	c := newCache(t, client, storage.NewMemoryStore(), newClock())

	meta := c.Initialize(context.Background())
	c.Wait()

	if meta.Source != cache.SourceDefaults {
		t.Errorf("expected defaults source, got %s", meta.Source)
	}
	if got := c.Get(); len(got) != 1 || got[0] != "bundled" {
		t.Errorf("expected bundled defaults, got %v", got)
	}
	if client.RequestCount() != 1 {
		t.Errorf("expected one background fetch, got %d", client.RequestCount())
	}
	if c.Metadata().LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestRefresh_PersistsAndReloads(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStore()
	client := &testutil.DummyWebClient{}
	client.SetResponse(srcURL, http.StatusOK, `["a","b"]`)
	clock := newClock()

	c := newCache(t, client, store, clock)
	got, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(got) != 2 || c.Metadata().Source != cache.SourceRemote {
		t.Fatalf("unexpected refresh result %v / %+v", got, c.Metadata())
	}

	// A second instance over the same store picks up the persisted record.
	other := newCache(t, &testutil.DummyWebClient{}, store, clock)
	if !other.LoadFromCache(context.Background()) {
		t.Fatal("expected persisted record to load")
	}
	if other.Metadata().Source != cache.SourceCache || len(other.Get()) != 2 {
		t.Errorf("unexpected reloaded state %+v %v", other.Metadata(), other.Get())
	}
}

func TestRefresh_UnchangedPayloadIsIdempotent(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStore()
	client := &testutil.DummyWebClient{}
	client.SetResponse(srcURL, http.StatusOK, `[ "a", "b" ]`)
	c := newCache(t, client, store, newClock())
	ctx := context.Background()

	if _, err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	first, _, _ := storage.GetJSON[cache.Record[json.RawMessage]](ctx, store, storage.KeyRogueAppsCache)
	if _, err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	second, _, _ := storage.GetJSON[cache.Record[json.RawMessage]](ctx, store, storage.KeyRogueAppsCache)

	if string(first.Payload) != string(second.Payload) {
		t.Errorf("payload changed between identical refreshes: %s vs %s", first.Payload, second.Payload)
	}
	if second.LastUpdate <= first.LastUpdate {
		t.Errorf("lastUpdate must increase: %d then %d", first.LastUpdate, second.LastUpdate)
	}
	if n := len(c.Get()); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestRefresh_FailuresKeepCurrentPayload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"non-2xx", http.StatusInternalServerError, `["x"]`, cache.ErrBadStatus},
		{"malformed json", http.StatusOK, `["x"`, cache.ErrMalformedPayload},
		{"wrong shape", http.StatusOK, `{"x":1}`, cache.ErrMalformedPayload},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := &testutil.DummyWebClient{}
			client.SetResponse(srcURL, http.StatusOK, `["good"]`)
			c := newCache(t, client, storage.NewMemoryStore(), newClock())
			if _, err := c.Refresh(context.Background()); err != nil {
				t.Fatal(err)
			}

			client.SetResponse(srcURL, tt.status, tt.body)
			_, err := c.Refresh(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got := c.Get(); len(got) != 1 || got[0] != "good" {
				t.Errorf("payload must be untouched, got %v", got)
			}
		})
	}
}

func TestForceUpdate_Report(t *testing.T) {
	t.Parallel()
	client := &testutil.DummyWebClient{}
	client.SetResponse(srcURL, http.StatusOK, `["a","b","c"]`)
	c := newCache(t, client, storage.NewMemoryStore(), newClock())

	rep := c.ForceUpdate(context.Background())
	if !rep.Success || rep.Count != 3 || !rep.Changed || rep.Diff != nil {
		t.Errorf("unexpected first report %+v", rep)
	}

	rep = c.ForceUpdate(context.Background())
	if !rep.Success || rep.Changed || rep.Diff != nil {
		t.Errorf("unchanged document must report no change, got %+v", rep)
	}

	client.SetResponse(srcURL, http.StatusOK, `["a","b","c","dd"]`)
	rep = c.ForceUpdate(context.Background())
	if !rep.Changed || rep.Diff == nil || rep.Diff.Inserted == 0 {
		t.Errorf("expected a diff for the changed document, got %+v", rep)
	}
	if rep.Diff != nil && rep.Diff.Deleted != 0 {
		t.Errorf("appending must not delete, got %+v", rep.Diff)
	}

	client.SetFail(srcURL, true)
	rep = c.ForceUpdate(context.Background())
	if rep.Success || rep.Error == "" {
		t.Errorf("expected failure report, got %+v", rep)
	}
}

func TestStalenessAndUpdateDue(t *testing.T) {
	t.Parallel()
	client := &testutil.DummyWebClient{}
	client.SetResponse(srcURL, http.StatusOK, `["a"]`)
	clock := newClock()
	c := newCache(t, client, storage.NewMemoryStore(), clock)

	if !c.IsStale() || !c.UpdateDue() {
		t.Fatal("defaults must be stale and update-due")
	}
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.IsStale() || c.UpdateDue() {
		t.Fatal("fresh payload must be neither stale nor due")
	}

	clock.Advance(2 * time.Hour)
	if c.IsStale() || !c.UpdateDue() {
		t.Errorf("after 2h expected due but not stale: stale=%v due=%v", c.IsStale(), c.UpdateDue())
	}

	clock.Advance(24 * time.Hour)
	if !c.IsStale() {
		t.Error("expected stale after cache duration")
	}
	if len(c.Get()) != 1 {
		t.Error("stale payload must still be served")
	}
}

func TestSetRefreshInterval(t *testing.T) {
	t.Parallel()
	client := &testutil.DummyWebClient{}
	client.SetResponse(srcURL, http.StatusOK, `["a"]`)
	clock := newClock()
	c := newCache(t, client, storage.NewMemoryStore(), clock)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.SetRefreshInterval(3 * time.Hour)
	if got := c.RefreshInterval(); got != 3*time.Hour {
		t.Fatalf("interval = %s", got)
	}
	clock.Advance(2 * time.Hour)
	if c.UpdateDue() {
		t.Error("update must not be due before the new interval")
	}
	clock.Advance(time.Hour)
	if !c.UpdateDue() {
		t.Error("update must be due once the new interval elapsed")
	}
}

func TestRefreshInBackground_RacesClose(t *testing.T) {
	t.Parallel()
	client := &testutil.DummyWebClient{ResponseDelay: 5 * time.Millisecond}
	client.SetResponse(srcURL, http.StatusOK, `["a"]`)
	c := newCache(t, client, storage.NewMemoryStore(), newClock())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RefreshInBackground()
		}()
	}
	_ = c.Close()
	wg.Wait()
	// Refreshes started after Close are no-ops, so nothing is left running.
	c.Wait()
	n := client.RequestCount()
	time.Sleep(20 * time.Millisecond)
	if client.RequestCount() != n {
		t.Error("a background refresh started after Close")
	}
}

func TestInitialize_FreshCacheSkipsNetwork(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStore()
	clock := newClock()
	ctx := context.Background()
	rec := cache.Record[json.RawMessage]{Payload: json.RawMessage(`["cached"]`), LastUpdate: clock.Now().UnixMilli(), SourceURL: srcURL}
	if err := storage.SetJSON(ctx, store, storage.KeyRogueAppsCache, rec); err != nil {
		t.Fatal(err)
	}

	client := &testutil.DummyWebClient{}
	c := newCache(t, client, store, clock)
	meta := c.Initialize(ctx)
	c.Wait()

	if meta.Source != cache.SourceCache {
		t.Errorf("expected cache source, got %s", meta.Source)
	}
	if client.RequestCount() != 0 {
		t.Errorf("expected no fetch for a fresh record, got %d", client.RequestCount())
	}
}

func TestLoadFromCache_CorruptRecordIgnored(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, storage.KeyRogueAppsCache, []byte(`{"payload": {"not":"a list"}, "lastUpdate": 5}`))

	c := newCache(t, &testutil.DummyWebClient{}, store, newClock())
	if c.LoadFromCache(ctx) {
		t.Fatal("corrupt record must not load")
	}
	if c.Metadata().Source != cache.SourceDefaults {
		t.Errorf("expected defaults, got %s", c.Metadata().Source)
	}
}

func TestSetSourceURL_RedirectsRefresh(t *testing.T) {
	t.Parallel()
	client := &testutil.DummyWebClient{}
	alt := "https://custom.example/rules.json"
	client.SetResponse(alt, http.StatusOK, `["custom"]`)
	c := newCache(t, client, storage.NewMemoryStore(), newClock())

	c.SetSourceURL(alt)
	got, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != "custom" || c.Metadata().SourceURL != alt {
		t.Errorf("unexpected result %v %+v", got, c.Metadata())
	}
}

func TestRefresh_AfterClose(t *testing.T) {
	t.Parallel()
	c := newCache(t, &testutil.DummyWebClient{}, storage.NewMemoryStore(), newClock())
	_ = c.Close()
	if _, err := c.Refresh(context.Background()); !errors.Is(err, cache.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRefresh_ConcurrentCallsShareResult(t *testing.T) {
	t.Parallel()
	client := &testutil.DummyWebClient{ResponseDelay: 50 * time.Millisecond}
	client.SetResponse(srcURL, http.StatusOK, `["a"]`)
	c := newCache(t, client, storage.NewMemoryStore(), newClock())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Refresh(context.Background()); err != nil {
				errs <- fmt.Errorf("refresh: %w", err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := client.RequestCount(); n >= 5 {
		t.Errorf("expected concurrent refreshes to share fetches, got %d requests", n)
	}
}
