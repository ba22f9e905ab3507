package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Scopes used by the service. Local data survives restarts; session data
// is dropped whenever a new browser session starts.
const (
	ScopeLocal   = "local"
	ScopeSession = "session"
)

// Well-known local keys.
const (
	KeyConfig              = "config"
	KeyDetectionRulesCache = "detection_rules_cache"
	KeyRogueAppsCache      = "rogue_apps_cache"
	KeyDebugLogs           = "debugLogs"
	KeyAccessLogs          = "accessLogs"
	KeySecurityEvents      = "securityEvents"
	KeyProfileID           = "profileId"
	KeyAlarms              = "alarms"
)

var (
	ErrNotFound = errors.New("storage: key not found")
	// ErrDecode wraps values that exist but do not decode as the requested type.
	ErrDecode = errors.New("storage: undecodable value")
)

// Store is a scoped key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the raw value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	Set(ctx context.Context, key string, value []byte) error

	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error

	// Keys lists keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every key in the scope.
	Clear(ctx context.Context) error
}

// GetJSON decodes the value at key into a T. The boolean is false when the
// key is absent.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("%w: %s: %w", ErrDecode, key, err)
	}
	return out, true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
