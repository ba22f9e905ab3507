// Package supervisor runs component startup with bounded retries and a
// degraded fallback mode. Retries are scheduled through the durable alarm
// scheduler so a pending retry survives a process restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raysh454/m365guard/internal/alarm"
	"github.com/raysh454/m365guard/internal/logging"
)

// RetryAlarm is the alarm name used for scheduled initialization retries.
const RetryAlarm = "supervisor.retry"

const (
	DefaultMaxRetries     = 3
	DefaultRetryBase      = time.Second
	DefaultErrorThreshold = 10
)

// ErrFallbackMode is returned by Initialize once retries are exhausted.
var ErrFallbackMode = errors.New("supervisor: running in fallback mode")

// InitFunc brings the supervised components up.
type InitFunc func(ctx context.Context) error

type Config struct {
	MaxRetries     int
	RetryBase      time.Duration
	ErrorThreshold int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		RetryBase:      DefaultRetryBase,
		ErrorThreshold: DefaultErrorThreshold,
	}
}

// Status is what the ping message reports.
type Status struct {
	Initialized  bool   `json:"initialized"`
	FallbackMode bool   `json:"fallbackMode"`
	RetryCount   int    `json:"retryCount"`
	ErrorCount   int    `json:"errorCount"`
	LastError    string `json:"lastError,omitempty"`
}

type Supervisor struct {
	cfg        Config
	init       InitFunc
	onFallback func(ctx context.Context)
	alarms     *alarm.Scheduler
	logger     logging.Logger
	group      singleflight.Group

	mu          sync.Mutex
	initialized bool
	fallback    bool
	retryCount  int
	errorCount  int
	lastErr     error
}

// New registers the retry alarm on alarms. onFallback runs once each time
// fallback mode is entered and may be nil.
func New(cfg Config, init InitFunc, onFallback func(ctx context.Context), alarms *alarm.Scheduler, logger logging.Logger) (*Supervisor, error) {
	if init == nil {
		return nil, errors.New("supervisor: init func is required")
	}
	if alarms == nil {
		return nil, errors.New("supervisor: alarm scheduler is required")
	}
	if logger == nil {
		return nil, errors.New("supervisor: logger is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	s := &Supervisor{
		cfg:        cfg,
		init:       init,
		onFallback: onFallback,
		alarms:     alarms,
		logger:     logger.With(logging.Field{Key: "component", Value: "supervisor"}),
	}
	alarms.Register(RetryAlarm, func(ctx context.Context) {
		_ = s.Initialize(ctx)
	})
	return s, nil
}

// Initialize runs the init func unless already initialized. Concurrent
// callers share one attempt. A failure schedules a retry after
// RetryBase × retryCount; once MaxRetries attempts have failed the
// supervisor enters fallback mode and stops retrying.
func (s *Supervisor) Initialize(ctx context.Context) error {
	_, err, _ := s.group.Do("init", func() (any, error) {
		return nil, s.attempt(ctx)
	})
	return err
}

func (s *Supervisor) attempt(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	if s.fallback {
		s.mu.Unlock()
		return ErrFallbackMode
	}
	s.mu.Unlock()

	err := s.init(ctx)

	s.mu.Lock()
	if err == nil {
		s.initialized = true
		s.retryCount = 0
		s.lastErr = nil
		s.mu.Unlock()
		if cerr := s.alarms.Cancel(ctx, RetryAlarm); cerr != nil {
			s.logger.Warn("cancelling retry alarm", logging.Err(cerr))
		}
		s.logger.Info("initialized")
		return nil
	}

	s.retryCount++
	s.lastErr = err
	retry := s.retryCount
	if retry >= s.cfg.MaxRetries {
		s.initialized = false
		s.fallback = true
		s.mu.Unlock()
		s.logger.Error("initialization failed, entering fallback mode",
			logging.Field{Key: "attempts", Value: retry}, logging.Err(err))
		if s.onFallback != nil {
			s.onFallback(ctx)
		}
		return fmt.Errorf("%w: %v", ErrFallbackMode, err)
	}
	s.mu.Unlock()

	delay := s.cfg.RetryBase * time.Duration(retry)
	s.logger.Warn("initialization failed, retry scheduled",
		logging.Field{Key: "attempt", Value: retry},
		logging.Field{Key: "delay_ms", Value: delay.Milliseconds()},
		logging.Err(err))
	if aerr := s.alarms.Arm(ctx, RetryAlarm, delay); aerr != nil {
		s.logger.Error("arming retry alarm", logging.Err(aerr))
	}
	return err
}

// RecordError counts a handler failure. Once more than ErrorThreshold
// errors accumulate the supervisor resets and reinitializes. It reports
// whether a reinitialization was triggered.
func (s *Supervisor) RecordError(ctx context.Context, err error) bool {
	s.mu.Lock()
	s.errorCount++
	s.lastErr = err
	over := s.errorCount > s.cfg.ErrorThreshold
	s.mu.Unlock()
	if !over {
		return false
	}
	s.logger.Warn("error threshold exceeded, reinitializing", logging.Err(err))
	s.Reinitialize(ctx)
	return true
}

// Reinitialize clears all state, including fallback mode, and schedules an
// immediate initialization attempt.
func (s *Supervisor) Reinitialize(ctx context.Context) {
	s.mu.Lock()
	s.initialized = false
	s.fallback = false
	s.retryCount = 0
	s.errorCount = 0
	s.mu.Unlock()
	if err := s.alarms.Arm(ctx, RetryAlarm, 0); err != nil {
		s.logger.Error("arming reinitialization", logging.Err(err))
	}
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Initialized:  s.initialized,
		FallbackMode: s.fallback,
		RetryCount:   s.retryCount,
		ErrorCount:   s.errorCount,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Supervisor) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Supervisor) FallbackMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback
}
