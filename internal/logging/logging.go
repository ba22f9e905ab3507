package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// StdoutLogger is a tiny, structured logger that prints JSON lines.
// Persistent fields added through With are merged into every entry.
type StdoutLogger struct {
	component string
	fields    []Field
	out       io.Writer
	mu        *sync.Mutex
}

// NewStdoutLogger creates a new StdoutLogger. component is optional and is
// emitted on every line.
func NewStdoutLogger(component string) *StdoutLogger {
	return NewWriterLogger(component, os.Stdout)
}

// NewWriterLogger is NewStdoutLogger with an explicit destination.
func NewWriterLogger(component string, w io.Writer) *StdoutLogger {
	return &StdoutLogger{component: component, out: w, mu: &sync.Mutex{}}
}

func (s *StdoutLogger) log(level string, msg string, fields ...Field) {
	type outEntry struct {
		Level     string         `json:"level"`
		Msg       string         `json:"msg"`
		Component string         `json:"component,omitempty"`
		Time      string         `json:"time"`
		Fields    map[string]any `json:"fields,omitempty"`
	}
	m := make(map[string]any, len(s.fields)+len(fields))
	for _, f := range s.fields {
		m[f.Key] = f.Value
	}
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	entry := outEntry{
		Level:     level,
		Msg:       msg,
		Component: s.component,
		Time:      time.Now().UTC().Format(time.RFC3339),
		Fields:    m,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	enc, err := json.Marshal(entry)
	if err != nil {
		// Fallback simple formatting if a field value is not serializable
		fmt.Fprintf(s.out, "%s %s %v\n", level, msg, m)
		return
	}
	fmt.Fprintln(s.out, string(enc))
}

func (s *StdoutLogger) Debug(msg string, fields ...Field) {
	s.log("debug", msg, fields...)
}

func (s *StdoutLogger) Info(msg string, fields ...Field) {
	s.log("info", msg, fields...)
}

func (s *StdoutLogger) Warn(msg string, fields ...Field) {
	s.log("warn", msg, fields...)
}

func (s *StdoutLogger) Error(msg string, fields ...Field) {
	s.log("error", msg, fields...)
}

// With returns a child logger. A "component" field replaces the component
// name; every other field is carried on each line.
func (s *StdoutLogger) With(fields ...Field) Logger {
	child := &StdoutLogger{component: s.component, out: s.out, mu: s.mu}
	child.fields = append(child.fields, s.fields...)
	for _, f := range fields {
		if f.Key == "component" {
			if str, ok := f.Value.(string); ok {
				child.component = str
				continue
			}
		}
		child.fields = append(child.fields, f)
	}
	return child
}

// LevelFilter drops Debug lines unless debug output is enabled. The flag can
// be flipped at runtime when the policy's enableDebugLogging changes.
type LevelFilter struct {
	next  Logger
	debug *atomic.Bool
}

// NewLevelFilter wraps next. Debug starts disabled.
func NewLevelFilter(next Logger) *LevelFilter {
	return &LevelFilter{next: next, debug: &atomic.Bool{}}
}

// SetDebug toggles debug output for this filter and every child.
func (l *LevelFilter) SetDebug(on bool) { l.debug.Store(on) }

func (l *LevelFilter) Debug(msg string, fields ...Field) {
	if l.debug.Load() {
		l.next.Debug(msg, fields...)
	}
}

func (l *LevelFilter) Info(msg string, fields ...Field)  { l.next.Info(msg, fields...) }
func (l *LevelFilter) Warn(msg string, fields ...Field)  { l.next.Warn(msg, fields...) }
func (l *LevelFilter) Error(msg string, fields ...Field) { l.next.Error(msg, fields...) }

func (l *LevelFilter) With(fields ...Field) Logger {
	return &LevelFilter{next: l.next.With(fields...), debug: l.debug}
}
