package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/safe"
	"github.com/raysh454/m365guard/internal/storage"
	"github.com/raysh454/m365guard/internal/webclient"
)

const (
	DefaultFlushInterval   = 3 * time.Second
	DefaultMaxPendingBytes = 4 << 20
	DefaultAccessWindow    = 1000
	DefaultSecurityWindow  = 500
	DefaultDebugWindow     = 500
)

// Config bounds batching and the persisted windows.
type Config struct {
	FlushInterval   time.Duration
	MaxPendingBytes int
	AccessWindow    int
	SecurityWindow  int
	DebugWindow     int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxPendingBytes <= 0 {
		c.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if c.AccessWindow <= 0 {
		c.AccessWindow = DefaultAccessWindow
	}
	if c.SecurityWindow <= 0 {
		c.SecurityWindow = DefaultSecurityWindow
	}
	if c.DebugWindow <= 0 {
		c.DebugWindow = DefaultDebugWindow
	}
	return c
}

// Reporting configures external forwarding of security events.
type Reporting struct {
	Enabled   bool
	ServerURL string
	TenantID  string
	ProfileID string
}

// Sink is safe for concurrent use.
type Sink struct {
	cfg       Config
	store     storage.Store
	client    webclient.WebClient
	reporting func() Reporting
	logger    logging.Logger
	now       func() time.Time

	mu           sync.Mutex
	pending      map[Kind][]Event
	pendingBytes int

	flushMu sync.Mutex

	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}
	reports   sync.WaitGroup
}

// NewSink builds a sink over the local store. client and reporting may be
// nil when external reporting is not used.
func NewSink(cfg Config, store storage.Store, client webclient.WebClient, reporting func() Reporting, logger logging.Logger) (*Sink, error) {
	if store == nil {
		return nil, errors.New("telemetry: store is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if reporting == nil {
		reporting = func() Reporting { return Reporting{} }
	}
	return &Sink{
		cfg:       cfg.withDefaults(),
		store:     store,
		client:    client,
		reporting: reporting,
		logger:    logger.With(logging.Field{Key: "component", Value: "telemetry"}),
		now:       time.Now,
		pending:   map[Kind][]Event{},
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}, nil
}

// Start runs the periodic flush loop until Close.
func (s *Sink) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

func (s *Sink) loop() {
	defer close(s.loopDone)
	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Record queues ev. If adding it would push the pending batch over the
// size cap, the batch is flushed first.
func (s *Sink) Record(ctx context.Context, ev Event) {
	if !ev.Kind.Valid() {
		ev.Kind = KindAccess
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("dropping unencodable event", logging.Field{Key: "type", Value: ev.Type}, logging.Err(err))
		return
	}

	s.mu.Lock()
	overflow := s.pendingBytes+len(raw) > s.cfg.MaxPendingBytes && s.pendingBytes > 0
	s.mu.Unlock()
	if overflow {
		_ = s.Flush(ctx)
	}

	s.mu.Lock()
	s.pending[ev.Kind] = append(s.pending[ev.Kind], ev)
	s.pendingBytes += len(raw)
	s.mu.Unlock()

	if ev.Kind == KindSecurity {
		s.forward(ev)
	}
}

// Flush writes pending events to their bounded windows.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = map[Kind][]Event{}
	s.pendingBytes = 0
	s.mu.Unlock()

	var errs []error
	retry := map[Kind][]Event{}
	for _, kind := range Kinds {
		evs := batch[kind]
		if len(evs) == 0 {
			continue
		}
		res := safe.Do(ctx, s.logger, "telemetry.flush", func(ctx context.Context) error {
			existing, _, err := storage.GetJSON[[]Event](ctx, s.store, storageKey(kind))
			switch {
			case errors.Is(err, storage.ErrDecode):
				s.logger.Warn("discarding corrupt log window", logging.Field{Key: "kind", Value: kind}, logging.Err(err))
				existing = nil
			case err != nil:
				return fmt.Errorf("reading %s window: %w", kind, err)
			}
			merged := append(existing, evs...)
			if w := s.window(kind); len(merged) > w {
				merged = merged[len(merged)-w:]
			}
			return storage.SetJSON(ctx, s.store, storageKey(kind), merged)
		})
		if !res.OK() {
			errs = append(errs, res.Err)
			retry[kind] = evs
		}
	}
	if len(retry) > 0 {
		s.requeue(retry)
	}
	return errors.Join(errs...)
}

// requeue puts events from a failed flush back in front of anything
// recorded since, bounded by each kind's window.
func (s *Sink) requeue(batch map[Kind][]Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, evs := range batch {
		merged := append(append([]Event(nil), evs...), s.pending[kind]...)
		if w := s.window(kind); len(merged) > w {
			merged = merged[len(merged)-w:]
		}
		s.pending[kind] = merged
	}
	s.pendingBytes = 0
	for _, evs := range s.pending {
		for _, ev := range evs {
			if raw, err := json.Marshal(ev); err == nil {
				s.pendingBytes += len(raw)
			}
		}
	}
}

// GetLogs returns persisted events newest first.
func (s *Sink) GetLogs(ctx context.Context, f Filter) ([]Event, error) {
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("reading logs after failed flush", logging.Err(err))
	}
	kinds := Kinds
	if f.Kind != "" {
		if !f.Kind.Valid() {
			return nil, errors.New("telemetry: unknown log kind " + string(f.Kind))
		}
		kinds = []Kind{f.Kind}
	}

	var out []Event
	for _, k := range kinds {
		evs, _, err := storage.GetJSON[[]Event](ctx, s.store, storageKey(k))
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ClearLogs drops pending and persisted events of kind, or of every kind
// when kind is empty.
func (s *Sink) ClearLogs(ctx context.Context, kind Kind) error {
	kinds := Kinds
	if kind != "" {
		kinds = []Kind{kind}
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	for _, k := range kinds {
		delete(s.pending, k)
	}
	s.pendingBytes = 0
	for _, evs := range s.pending {
		for _, ev := range evs {
			if raw, err := json.Marshal(ev); err == nil {
				s.pendingBytes += len(raw)
			}
		}
	}
	s.mu.Unlock()

	for _, k := range kinds {
		if err := s.store.Delete(ctx, storageKey(k)); err != nil {
			return err
		}
	}
	return nil
}

// Statistics counts persisted events.
func (s *Sink) Statistics(ctx context.Context) (Statistics, error) {
	var st Statistics
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("computing statistics after failed flush", logging.Err(err))
	}
	access, _, err := storage.GetJSON[[]Event](ctx, s.store, storageKey(KindAccess))
	if err != nil {
		return st, err
	}
	security, _, err := storage.GetJSON[[]Event](ctx, s.store, storageKey(KindSecurity))
	if err != nil {
		return st, err
	}

	st.AccessEvents = len(access)
	st.SecurityEvents = len(security)
	for _, ev := range access {
		switch ev.Type {
		case TypePageScan:
			st.TotalScans++
		case TypeLegitimateAccess:
			st.LegitimateSites++
		}
	}
	for _, ev := range security {
		switch ev.Type {
		case TypePhishingDetected:
			st.BlockedThreats++
		case TypeRogueApp:
			st.RogueApps++
		}
	}
	return st, nil
}

// Close stops the flush loop, waits for outbound reports and flushes.
func (s *Sink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
		// A sink that was never started has no loop to wait for.
		s.startOnce.Do(func() { close(s.loopDone) })
	})
	<-s.loopDone
	s.reports.Wait()
	return s.Flush(ctx)
}

func (s *Sink) window(k Kind) int {
	switch k {
	case KindSecurity:
		return s.cfg.SecurityWindow
	case KindDebug:
		return s.cfg.DebugWindow
	default:
		return s.cfg.AccessWindow
	}
}

func storageKey(k Kind) string {
	switch k {
	case KindSecurity:
		return storage.KeySecurityEvents
	case KindDebug:
		return storage.KeyDebugLogs
	default:
		return storage.KeyAccessLogs
	}
}
