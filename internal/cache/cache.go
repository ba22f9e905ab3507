// Package cache keeps a remotely sourced JSON document fresh with offline
// fallback. A RemoteCache serves the last good payload (remote, persisted or
// bundled) and refreshes it in the background; failures never replace data
// that is already loaded.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/safe"
	"github.com/raysh454/m365guard/internal/storage"
	"github.com/raysh454/m365guard/internal/webclient"
)

var (
	ErrBadStatus        = errors.New("cache: non-2xx response")
	ErrMalformedPayload = errors.New("cache: malformed payload")
	ErrNoSource         = errors.New("cache: no source url configured")
	ErrClosed           = errors.New("cache: closed")
)

// Source says where the currently served payload came from.
type Source string

const (
	SourceDefaults Source = "defaults"
	SourceCache    Source = "cache"
	SourceRemote   Source = "remote"
)

// Record is the persisted cache entry. LastUpdate is epoch milliseconds.
type Record[T any] struct {
	Payload    T      `json:"payload"`
	LastUpdate int64  `json:"lastUpdate"`
	SourceURL  string `json:"sourceUrl"`
}

// Metadata describes the served payload.
type Metadata struct {
	Source     Source    `json:"source"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	LastUpdate time.Time `json:"lastUpdate,omitempty"`
	Count      int       `json:"count"`
	Stale      bool      `json:"stale"`
	UpdateDue  bool      `json:"updateDue"`
	LastError  string    `json:"lastError,omitempty"`
}

// UpdateReport is the outcome of ForceUpdate. Changed is false when the
// fetched document matches the one already served; Diff is set when a
// previous document existed to compare against.
type UpdateReport struct {
	Success bool           `json:"success"`
	Count   int            `json:"count,omitempty"`
	Changed bool           `json:"changed"`
	Diff    *ChangeSummary `json:"diff,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Options configure a RemoteCache. Decode and Defaults are required.
type Options[T any] struct {
	// Name labels log lines ("detection_rules", "rogue_apps").
	Name       string
	SourceURL  string
	StorageKey string

	// RefreshInterval marks the payload update-due; CacheDuration marks it
	// stale. Neither makes the payload unusable.
	RefreshInterval time.Duration
	CacheDuration   time.Duration
	FetchTimeout    time.Duration

	Decode   func([]byte) (T, error)
	Defaults func() T
	Count    func(T) int

	Now func() time.Time
}

// RemoteCache is safe for concurrent use.
type RemoteCache[T any] struct {
	opts   Options[T]
	client webclient.WebClient
	store  storage.Store
	logger logging.Logger

	group singleflight.Group

	mu         sync.RWMutex
	current    T
	source     Source
	sourceURL  string
	interval   time.Duration
	lastUpdate int64
	lastRaw    []byte
	lastErr    error
	closed     bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New builds a cache serving Defaults until Initialize or Refresh succeeds.
func New[T any](opts Options[T], client webclient.WebClient, store storage.Store, logger logging.Logger) (*RemoteCache[T], error) {
	if opts.Decode == nil || opts.Defaults == nil {
		return nil, errors.New("cache: Decode and Defaults are required")
	}
	if client == nil {
		return nil, errors.New("cache: web client is required")
	}
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Name == "" {
		opts.Name = opts.StorageKey
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Count == nil {
		opts.Count = func(T) int { return 0 }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteCache[T]{
		opts:      opts,
		client:    client,
		store:     store,
		logger:    logger.With(logging.Field{Key: "component", Value: "cache"}, logging.Field{Key: "cache", Value: opts.Name}),
		current:   opts.Defaults(),
		source:    SourceDefaults,
		sourceURL: opts.SourceURL,
		interval:  opts.RefreshInterval,
		bgCtx:     ctx,
		bgCancel:  cancel,
	}, nil
}

// Initialize loads the persisted record and schedules a background refresh
// when the record is absent, stale or update-due. It never fails; the
// returned metadata says what is being served.
func (c *RemoteCache[T]) Initialize(ctx context.Context) Metadata {
	loaded := c.LoadFromCache(ctx)
	if !loaded || c.IsStale() || c.UpdateDue() {
		c.logger.Info("scheduling background refresh",
			logging.Field{Key: "loaded", Value: loaded},
			logging.Field{Key: "stale", Value: c.IsStale()})
		c.RefreshInBackground()
	}
	return c.Metadata()
}

// LoadFromCache replaces the served payload with the persisted record, if
// one exists and decodes. A corrupt record is logged and ignored.
func (c *RemoteCache[T]) LoadFromCache(ctx context.Context) bool {
	if c.opts.StorageKey == "" {
		return false
	}
	res := safe.Call(ctx, c.logger, "cache.load", func(ctx context.Context) (Record[json.RawMessage], error) {
		rec, _, err := storage.GetJSON[Record[json.RawMessage]](ctx, c.store, c.opts.StorageKey)
		return rec, err
	})
	rec := res.Value
	if !res.OK() || len(rec.Payload) == 0 {
		return false
	}

	payload, err := c.opts.Decode(rec.Payload)
	if err != nil {
		c.logger.Warn("persisted record does not decode; keeping current payload", logging.Err(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = payload
	c.source = SourceCache
	c.lastUpdate = rec.LastUpdate
	c.lastRaw = append([]byte(nil), rec.Payload...)
	if rec.SourceURL != "" && c.sourceURL == "" {
		c.sourceURL = rec.SourceURL
	}
	c.logger.Debug("loaded from cache",
		logging.Field{Key: "count", Value: c.opts.Count(payload)},
		logging.Field{Key: "last_update", Value: rec.LastUpdate})
	return true
}

// Refresh fetches the source document and, on success, atomically replaces
// the served payload and persists it. On failure nothing changes and the
// error is returned. Concurrent calls share one fetch.
func (c *RemoteCache[T]) Refresh(ctx context.Context) (T, error) {
	out, err := c.refreshShared(ctx)
	return out.payload, err
}

type refreshOutcome[T any] struct {
	payload T
	changed bool
	diff    *ChangeSummary
}

func (c *RemoteCache[T]) refreshShared(ctx context.Context) (refreshOutcome[T], error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return refreshOutcome[T]{}, err
	}
	return v.(refreshOutcome[T]), nil
}

func (c *RemoteCache[T]) refresh(ctx context.Context) (refreshOutcome[T], error) {
	var zero refreshOutcome[T]

	c.mu.RLock()
	url, closed := c.sourceURL, c.closed
	c.mu.RUnlock()
	if closed {
		return zero, ErrClosed
	}
	if url == "" {
		return zero, ErrNoSource
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	resp, err := c.client.Get(fetchCtx, url)
	if err != nil {
		return zero, c.fail(fmt.Errorf("fetch %s: %w", url, err))
	}
	if !resp.OK() {
		return zero, c.fail(fmt.Errorf("%w: %d from %s", ErrBadStatus, resp.StatusCode, url))
	}
	payload, err := c.opts.Decode(resp.Body)
	if err != nil {
		return zero, c.fail(fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}
	raw, err := compact(resp.Body)
	if err != nil {
		return zero, c.fail(fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}

	c.mu.Lock()
	prevRaw := c.lastRaw
	now := c.opts.Now().UnixMilli()
	if now <= c.lastUpdate {
		now = c.lastUpdate + 1
	}
	c.current = payload
	c.source = SourceRemote
	c.lastUpdate = now
	c.lastRaw = raw
	c.lastErr = nil
	c.mu.Unlock()

	out := refreshOutcome[T]{payload: payload, changed: !bytes.Equal(prevRaw, raw)}
	if summary, ok := summarizeChange(prevRaw, raw); ok {
		out.diff = &summary
		c.logger.Info("payload changed",
			logging.Field{Key: "inserted", Value: summary.Inserted},
			logging.Field{Key: "deleted", Value: summary.Deleted})
	}

	rec := Record[json.RawMessage]{Payload: raw, LastUpdate: now, SourceURL: url}
	if c.opts.StorageKey != "" {
		safe.Do(ctx, c.logger, "cache.persist", func(ctx context.Context) error {
			return storage.SetJSON(ctx, c.store, c.opts.StorageKey, rec)
		})
	}

	c.logger.Info("refreshed",
		logging.Field{Key: "count", Value: c.opts.Count(payload)},
		logging.Field{Key: "source_url", Value: url})
	return out, nil
}

func (c *RemoteCache[T]) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Warn("refresh failed; keeping current payload", logging.Err(err))
	return err
}

// RefreshInBackground starts a refresh that does not block the caller.
// It is a no-op after Close.
func (c *RemoteCache[T]) RefreshInBackground() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_, _ = c.Refresh(c.bgCtx)
	}()
}

// ForceUpdate awaits a refresh and reports the outcome.
func (c *RemoteCache[T]) ForceUpdate(ctx context.Context) UpdateReport {
	out, err := c.refreshShared(ctx)
	if err != nil {
		return UpdateReport{Success: false, Error: err.Error()}
	}
	return UpdateReport{
		Success: true,
		Count:   c.opts.Count(out.payload),
		Changed: out.changed,
		Diff:    out.diff,
	}
}

// Get returns the payload currently served. It never blocks on the network.
func (c *RemoteCache[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Snapshot returns the served payload as a record.
func (c *RemoteCache[T]) Snapshot() Record[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Record[T]{Payload: c.current, LastUpdate: c.lastUpdate, SourceURL: c.sourceURL}
}

func (c *RemoteCache[T]) Metadata() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := Metadata{
		Source:    c.source,
		SourceURL: c.sourceURL,
		Count:     c.opts.Count(c.current),
		Stale:     c.staleLocked(),
		UpdateDue: c.updateDueLocked(),
	}
	if c.lastUpdate > 0 {
		m.LastUpdate = time.UnixMilli(c.lastUpdate)
	}
	if c.lastErr != nil {
		m.LastError = c.lastErr.Error()
	}
	return m
}

// IsStale reports whether the payload is older than CacheDuration. Bundled
// defaults are always stale.
func (c *RemoteCache[T]) IsStale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleLocked()
}

func (c *RemoteCache[T]) staleLocked() bool {
	if c.source == SourceDefaults || c.lastUpdate == 0 {
		return true
	}
	if c.opts.CacheDuration <= 0 {
		return false
	}
	return c.opts.Now().Sub(time.UnixMilli(c.lastUpdate)) > c.opts.CacheDuration
}

// UpdateDue reports whether RefreshInterval has elapsed since the last update.
func (c *RemoteCache[T]) UpdateDue() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateDueLocked()
}

func (c *RemoteCache[T]) updateDueLocked() bool {
	if c.lastUpdate == 0 {
		return true
	}
	if c.interval <= 0 {
		return false
	}
	return c.opts.Now().Sub(time.UnixMilli(c.lastUpdate)) >= c.interval
}

// RefreshInterval is the current update interval.
func (c *RemoteCache[T]) RefreshInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// SetRefreshInterval changes the update interval. Zero or less disables
// the update-due check.
func (c *RemoteCache[T]) SetRefreshInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interval != d {
		c.logger.Info("refresh interval changed", logging.Field{Key: "interval", Value: d.String()})
	}
	c.interval = d
}

// SetSourceURL points later refreshes at url. An empty url is ignored.
func (c *RemoteCache[T]) SetSourceURL(url string) {
	if url == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sourceURL != url {
		c.logger.Info("source url changed", logging.Field{Key: "source_url", Value: url})
	}
	c.sourceURL = url
}

// Close cancels background refreshes and waits for them to return.
func (c *RemoteCache[T]) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.bgCancel()
	c.bg.Wait()
	return nil
}

// Wait blocks until in-flight background refreshes have returned.
func (c *RemoteCache[T]) Wait() { c.bg.Wait() }
