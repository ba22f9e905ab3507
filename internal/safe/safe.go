// Package safe adapts effectful boundary calls (storage, network, messaging)
// into Result values so callers never have to handle panics and can decide
// per call site whether a failure matters.
package safe

import (
	"context"
	"fmt"

	"github.com/raysh454/m365guard/internal/logging"
)

// Result carries either a value or the error that prevented producing it.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// ValueOr returns the value on success and fallback otherwise.
func (r Result[T]) ValueOr(fallback T) T {
	if r.Err != nil {
		return fallback
	}
	return r.Value
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Op    string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Op, e.Value)
}

// Call runs fn and converts errors and panics into a Result. Failures are
// logged at warn level under op; logger may be nil.
func Call[T any](ctx context.Context, logger logging.Logger, op string, fn func(context.Context) (T, error)) (res Result[T]) {
	defer func() {
		if p := recover(); p != nil {
			res = Result[T]{Err: &PanicError{Op: op, Value: p}}
			if logger != nil {
				logger.Warn("boundary call panicked", logging.Field{Key: "op", Value: op}, logging.Field{Key: "panic", Value: fmt.Sprint(p)})
			}
		}
	}()

	v, err := fn(ctx)
	if err != nil {
		if logger != nil {
			logger.Warn("boundary call failed", logging.Field{Key: "op", Value: op}, logging.Err(err))
		}
		return Result[T]{Err: err}
	}
	return Result[T]{Value: v}
}

// Do is Call for functions that only return an error.
func Do(ctx context.Context, logger logging.Logger, op string, fn func(context.Context) error) Result[struct{}] {
	return Call(ctx, logger, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}
