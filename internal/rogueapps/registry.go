// Package rogueapps maps OAuth client ids to known-malicious applications.
package rogueapps

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raysh454/m365guard/internal/cache"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/storage"
	"github.com/raysh454/m365guard/internal/webclient"
)

//go:embed default_rogue_apps.json
var defaultAppsJSON []byte

// App is one registry entry. The feed uses both appName/displayName and
// severity/risk; UnmarshalJSON folds them together.
type App struct {
	ClientID      string   `json:"clientId"`
	DisplayName   string   `json:"displayName"`
	PublisherName string   `json:"publisherName,omitempty"`
	Severity      string   `json:"severity"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

func (a *App) UnmarshalJSON(b []byte) error {
	var raw struct {
		ClientID      string   `json:"clientId"`
		AppName       string   `json:"appName"`
		DisplayName   string   `json:"displayName"`
		PublisherName string   `json:"publisherName"`
		Severity      string   `json:"severity"`
		Risk          string   `json:"risk"`
		Description   string   `json:"description"`
		Tags          []string `json:"tags"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = App{
		ClientID:      raw.ClientID,
		DisplayName:   firstNonEmpty(raw.DisplayName, raw.AppName),
		PublisherName: raw.PublisherName,
		Severity:      strings.ToLower(firstNonEmpty(raw.Severity, raw.Risk, "high")),
		Description:   raw.Description,
		Tags:          raw.Tags,
	}
	return nil
}

// Table is an immutable lookup built from one payload.
type Table struct {
	byID map[string]App
}

// Decode parses a JSON array of apps. Entries without a client id are
// dropped; anything other than an array is rejected.
func Decode(data []byte) (*Table, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, errors.New("rogue apps: expected a JSON array")
	}
	var apps []App
	if err := json.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("rogue apps: %w", err)
	}
	t := &Table{byID: make(map[string]App, len(apps))}
	for _, a := range apps {
		id := normalizeID(a.ClientID)
		if id == "" {
			continue
		}
		a.ClientID = id
		t.byID[id] = a
	}
	return t, nil
}

// Default returns the bundled table.
func Default() *Table {
	t, err := Decode(defaultAppsJSON)
	if err != nil {
		panic(fmt.Sprintf("bundled rogue apps are invalid: %v", err))
	}
	return t
}

// DefaultJSON exposes the bundled feed.
func DefaultJSON() []byte {
	return append([]byte(nil), defaultAppsJSON...)
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byID)
}

func (t *Table) Lookup(clientID string) (App, bool) {
	if t == nil {
		return App{}, false
	}
	a, ok := t.byID[normalizeID(clientID)]
	return a, ok
}

// Config configures the registry cache.
type Config struct {
	SourceURL       string
	RefreshInterval time.Duration
	CacheDuration   time.Duration
	FetchTimeout    time.Duration
}

// Registry is the rogue-app cache. Lookups never touch the network.
type Registry struct {
	*cache.RemoteCache[*Table]
}

func NewRegistry(cfg Config, client webclient.WebClient, store storage.Store, logger logging.Logger) (*Registry, error) {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	rc, err := cache.New(cache.Options[*Table]{
		Name:            "rogue_apps",
		SourceURL:       cfg.SourceURL,
		StorageKey:      storage.KeyRogueAppsCache,
		RefreshInterval: cfg.RefreshInterval,
		CacheDuration:   cfg.CacheDuration,
		FetchTimeout:    cfg.FetchTimeout,
		Decode:          Decode,
		Defaults:        Default,
		Count:           (*Table).Len,
	}, client, store, logger)
	if err != nil {
		return nil, err
	}
	return &Registry{RemoteCache: rc}, nil
}

func (r *Registry) Lookup(clientID string) (App, bool) {
	return r.Get().Lookup(clientID)
}

// Refresh is exposed for the alarm handler.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err := r.RemoteCache.Refresh(ctx)
	return err
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
