// Package alarm schedules named one-shot callbacks that survive a process
// restart. Armed alarms are persisted with their due time; Restore re-arms
// them and fires any that came due while the process was down.
package alarm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/safe"
	"github.com/raysh454/m365guard/internal/storage"
)

var ErrUnknownAlarm = errors.New("alarm: no handler registered")

// Handler runs when an alarm fires.
type Handler func(ctx context.Context)

// Scheduler is safe for concurrent use.
type Scheduler struct {
	store  storage.Store
	logger logging.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	due      map[string]int64 // epoch ms
}

func New(store storage.Store, logger logging.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("alarm: store is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		logger:   logger.With(logging.Field{Key: "component", Value: "alarm"}),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		handlers: map[string]Handler{},
		timers:   map[string]*time.Timer{},
		due:      map[string]int64{},
	}, nil
}

// Register binds name to h. Alarms restored before their handler is
// registered stay persisted until Restore runs again.
func (s *Scheduler) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Arm schedules name to fire after delay, replacing any earlier schedule.
func (s *Scheduler) Arm(ctx context.Context, name string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[name]; !ok {
		return ErrUnknownAlarm
	}
	if delay < 0 {
		delay = 0
	}
	s.due[name] = s.now().Add(delay).UnixMilli()
	if err := s.persistLocked(ctx); err != nil {
		delete(s.due, name)
		return err
	}
	s.startTimerLocked(name, delay)
	s.logger.Debug("alarm armed", logging.Field{Key: "alarm", Value: name}, logging.Field{Key: "delay_ms", Value: delay.Milliseconds()})
	return nil
}

// Cancel disarms name. Cancelling an unarmed alarm is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	if _, ok := s.due[name]; !ok {
		return nil
	}
	delete(s.due, name)
	return s.persistLocked(ctx)
}

// Restore loads persisted alarms and arms those with a handler. Overdue
// alarms fire immediately. It returns the number of alarms armed.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	stored, _, err := storage.GetJSON[map[string]int64](ctx, s.store, storage.KeyAlarms)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	armed := 0
	for name, at := range stored {
		if _, live := s.timers[name]; live {
			continue
		}
		s.due[name] = at
		if _, ok := s.handlers[name]; !ok {
			s.logger.Warn("restored alarm has no handler", logging.Field{Key: "alarm", Value: name})
			continue
		}
		s.startTimerLocked(name, time.UnixMilli(at).Sub(now))
		armed++
	}
	if armed > 0 {
		s.logger.Info("alarms restored", logging.Field{Key: "count", Value: armed})
	}
	return armed, nil
}

// Pending returns when name is due.
func (s *Scheduler) Pending(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.due[name]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(at), true
}

// Names lists armed alarms.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.due))
	for n := range s.due {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Close stops timers and waits for running handlers. Persisted alarms are
// kept so the next process can restore them.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) startTimerLocked(name string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() { s.fire(name, timer) })
	s.timers[name] = timer
}

func (s *Scheduler) fire(name string, timer *time.Timer) {
	s.mu.Lock()
	if s.timers[name] != timer || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	delete(s.due, name)
	h := s.handlers[name]
	safe.Do(s.ctx, s.logger, "alarm.persist", s.persistLocked)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.logger.Debug("alarm fired", logging.Field{Key: "alarm", Value: name})
	safe.Do(s.ctx, s.logger, "alarm."+name, func(ctx context.Context) error {
		h(ctx)
		return nil
	})
}

func (s *Scheduler) persistLocked(ctx context.Context) error {
	if len(s.due) == 0 {
		return s.store.Delete(ctx, storage.KeyAlarms)
	}
	snapshot := make(map[string]int64, len(s.due))
	for k, v := range s.due {
		snapshot[k] = v
	}
	return storage.SetJSON(ctx, s.store, storage.KeyAlarms, snapshot)
}
