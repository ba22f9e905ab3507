// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/telemetry"
	"github.com/raysh454/m365guard/internal/verdict"
	"github.com/raysh454/m365guard/internal/webclient"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnCount is safe to call while the logger is in use.
func (l *DummyLogger) WarnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warns)
}

// ErrorCount is safe to call while the logger is in use.
func (l *DummyLogger) ErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Errors)
}

// ─── WebClient ─────────────────────────────────────────────────────────

// DummyResponse is a canned reply for one URL.
type DummyResponse struct {
	Status int
	Body   string
}

// DummyWebClient implements webclient.WebClient.
// URLs present in Responses get that reply; otherwise the body is
// "ok:<url>" with status 200. FailURLs[url] = true forces an error.
type DummyWebClient struct {
	ResponseDelay time.Duration
	FailURLs      map[string]bool
	Responses     map[string]DummyResponse

	mu       sync.Mutex
	Requests []*webclient.Request
}

func (d *DummyWebClient) Do(ctx context.Context, req *webclient.Request) (*webclient.Response, error) {
	if d.ResponseDelay > 0 {
		select {
		case <-time.After(d.ResponseDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	fail := d.FailURLs != nil && d.FailURLs[req.URL]
	canned, ok := d.Responses[req.URL]
	d.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("dummy fetch fail for %s", req.URL)
	}

	resp := &webclient.Response{
		Request:    req,
		Headers:    http.Header{},
		Body:       []byte("ok:" + req.URL),
		StatusCode: http.StatusOK,
		FetchedAt:  time.Now(),
	}
	if ok {
		resp.StatusCode = canned.Status
		resp.Body = []byte(canned.Body)
	}
	return resp, nil
}

func (d *DummyWebClient) Get(ctx context.Context, url string) (*webclient.Response, error) {
	return d.Do(ctx, &webclient.Request{Method: http.MethodGet, URL: url})
}

func (d *DummyWebClient) Close() error { return nil }

// SetResponse replaces the canned reply for url while the client is in use.
func (d *DummyWebClient) SetResponse(url string, status int, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Responses == nil {
		d.Responses = map[string]DummyResponse{}
	}
	d.Responses[url] = DummyResponse{Status: status, Body: body}
}

// SetFail toggles a forced error for url.
func (d *DummyWebClient) SetFail(url string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailURLs == nil {
		d.FailURLs = map[string]bool{}
	}
	d.FailURLs[url] = fail
}

// RequestCount returns how many requests were recorded.
func (d *DummyWebClient) RequestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Requests)
}

// ─── Badge renderer / notifier ─────────────────────────────────────────

// DummyRenderer implements verdict.Renderer and verdict.Notifier.
type DummyRenderer struct {
	mu            sync.Mutex
	Rendered      []verdict.TabVerdict
	Cleared       []int
	Notifications map[int][]verdict.Notification
	FailRender    bool
}

func (r *DummyRenderer) Render(_ context.Context, tv verdict.TabVerdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailRender {
		return fmt.Errorf("dummy render failure for tab %d", tv.TabID)
	}
	r.Rendered = append(r.Rendered, tv)
	return nil
}

func (r *DummyRenderer) Clear(_ context.Context, tabID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cleared = append(r.Cleared, tabID)
	return nil
}

func (r *DummyRenderer) Notify(_ context.Context, tabID int, n verdict.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Notifications == nil {
		r.Notifications = map[int][]verdict.Notification{}
	}
	r.Notifications[tabID] = append(r.Notifications[tabID], n)
	return nil
}

// RenderCount is safe to call while the renderer is in use.
func (r *DummyRenderer) RenderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Rendered)
}

// NotificationsFor returns a copy of the notifications sent to tabID.
func (r *DummyRenderer) NotificationsFor(tabID int) []verdict.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]verdict.Notification(nil), r.Notifications[tabID]...)
}

// ─── Event sink ────────────────────────────────────────────────────────

// DummyEventSink implements verdict.EventSink.
type DummyEventSink struct {
	mu     sync.Mutex
	Events []telemetry.Event
}

func (s *DummyEventSink) Record(_ context.Context, ev telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
}

// OfType returns recorded events with the given type.
func (s *DummyEventSink) OfType(typ string) []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range s.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
