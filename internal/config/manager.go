package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/storage"
)

// Layer names, lowest precedence first.
const (
	LayerDefault    = "default"
	LayerBranding   = "branding"
	LayerLocal      = "local"
	LayerEnterprise = "enterprise"
)

// Sources locates the file-backed layers. Empty paths are skipped.
type Sources struct {
	BrandingFile   string
	EnterpriseFile string
}

// Manager merges policy layers. The local layer is persisted in the store
// under storage.KeyConfig; branding and enterprise are read-only files.
type Manager struct {
	store   storage.Store
	sources Sources
	logger  logging.Logger

	mu         sync.RWMutex
	branding   map[string]any
	local      map[string]any
	enterprise map[string]any
	fallback   bool
	merged     Policy
}

func NewManager(store storage.Store, sources Sources, logger logging.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("config: store is required")
	}
	if logger == nil {
		return nil, errors.New("config: logger is required")
	}
	return &Manager{
		store:   store,
		sources: sources,
		logger:  logger.With(logging.Field{Key: "component", Value: "config"}),
		local:   map[string]any{},
		merged:  DefaultPolicy(),
	}, nil
}

// Load reads every layer and recomputes the merged policy.
func (m *Manager) Load(ctx context.Context) (Policy, error) {
	branding, err := readFile(m.sources.BrandingFile)
	if err != nil {
		return Policy{}, fmt.Errorf("reading branding layer: %w", err)
	}
	enterprise, err := readFile(m.sources.EnterpriseFile)
	if err != nil {
		return Policy{}, fmt.Errorf("reading enterprise layer: %w", err)
	}
	local, _, err := storage.GetJSON[map[string]any](ctx, m.store, storage.KeyConfig)
	if err != nil {
		return Policy{}, fmt.Errorf("reading local layer: %w", err)
	}
	normalized := make(map[string]any, len(local))
	for k, v := range local {
		normalized[strings.ToLower(k)] = v
	}
	local = normalized

	merged, err := merge(branding, local, enterprise)
	if err != nil {
		return Policy{}, err
	}

	m.mu.Lock()
	m.branding, m.local, m.enterprise = branding, local, enterprise
	m.merged = merged
	m.fallback = false
	m.mu.Unlock()

	m.logger.Info("policy loaded",
		logging.Field{Key: "branding_keys", Value: len(branding)},
		logging.Field{Key: "local_keys", Value: len(local)},
		logging.Field{Key: "enterprise_keys", Value: len(enterprise)})
	return merged, nil
}

// Get returns the merged policy.
func (m *Manager) Get() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePolicy(m.merged)
}

// Update merges patch into the local layer without persisting it.
// Enterprise values still win. The patch is rejected whole if any value
// has the wrong type.
func (m *Manager) Update(patch map[string]any) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(patch)
}

// Save is Update followed by persisting the local layer.
func (m *Manager) Save(ctx context.Context, patch map[string]any) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, err := m.updateLocked(patch)
	if err != nil {
		return Policy{}, err
	}
	if err := storage.SetJSON(ctx, m.store, storage.KeyConfig, m.local); err != nil {
		return Policy{}, fmt.Errorf("saving local layer: %w", err)
	}
	return merged, nil
}

func (m *Manager) updateLocked(patch map[string]any) (Policy, error) {
	if err := validate(patch); err != nil {
		return Policy{}, err
	}
	local := make(map[string]any, len(m.local)+len(patch))
	for k, v := range m.local {
		local[strings.ToLower(k)] = v
	}
	for k, v := range patch {
		local[strings.ToLower(k)] = v
	}
	merged, err := merge(m.branding, local, m.enterprise)
	if err != nil {
		return Policy{}, err
	}
	m.local = local
	m.merged = merged
	m.fallback = false
	return clonePolicy(merged), nil
}

// ApplyFallback replaces the merged policy with FallbackPolicy until the
// next Load or Update.
func (m *Manager) ApplyFallback() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merged = FallbackPolicy()
	m.fallback = true
	m.logger.Warn("fallback policy applied")
	return clonePolicy(m.merged)
}

func (m *Manager) InFallback() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallback
}

func merge(branding, local, enterprise map[string]any) (Policy, error) {
	v := viper.New()
	base, err := toMap(DefaultPolicy())
	if err != nil {
		return Policy{}, err
	}
	for _, layer := range []map[string]any{base, branding, local, enterprise} {
		if len(layer) == 0 {
			continue
		}
		if err := v.MergeConfigMap(layer); err != nil {
			return Policy{}, fmt.Errorf("merging policy layer: %w", err)
		}
	}
	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("decoding policy: %w", err)
	}
	if p.URLAllowlist == nil {
		p.URLAllowlist = []string{}
	}
	return p, nil
}

// ErrInvalidPolicy wraps patches that do not decode into a Policy.
var ErrInvalidPolicy = errors.New("invalid policy patch")

// validate decodes patch on its own so a mistyped value is reported
// instead of being dropped during the merge.
func validate(patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	v := viper.New()
	if err := v.MergeConfigMap(patch); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}

func readFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func toMap(p Policy) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func clonePolicy(p Policy) Policy {
	p.URLAllowlist = append([]string(nil), p.URLAllowlist...)
	return p
}
