package app

import (
	"time"

	"github.com/raysh454/m365guard/internal/fetcher"
	"github.com/raysh454/m365guard/internal/supervisor"
	"github.com/raysh454/m365guard/internal/telemetry"
	"github.com/raysh454/m365guard/internal/verdict"
	"github.com/raysh454/m365guard/internal/webclient"
)

// Config contains the runtime configuration of the service. Product policy
// (page blocking, allowlist, reporting) lives in config.Policy instead.
type Config struct {
	// DataDir holds the SQLite database. Empty keeps everything in memory.
	DataDir string `mapstructure:"data_dir"`

	// Policy layer files. Either may be empty.
	BrandingFile   string `mapstructure:"branding_file"`
	EnterpriseFile string `mapstructure:"enterprise_file"`

	Rules     RemoteSource `mapstructure:"rules"`
	RogueApps RemoteSource `mapstructure:"rogue_apps"`

	// WebClient fetches rule documents and raw pages.
	WebClient webclient.Config `mapstructure:"webclient"`

	// RenderPages enables a chromedp backend for URL_ANALYSIS_REQUEST
	// content scans.
	RenderPages bool             `mapstructure:"render_pages"`
	Renderer    webclient.Config `mapstructure:"renderer"`

	// Fetch bounds bulk URL scans.
	Fetch fetcher.Config `mapstructure:"fetch"`

	ScanLimit    int           `mapstructure:"scan_limit"`
	ScanCooldown time.Duration `mapstructure:"scan_cooldown"`

	Verdict    verdict.Config    `mapstructure:"verdict"`
	Telemetry  telemetry.Config  `mapstructure:"telemetry"`
	Supervisor supervisor.Config `mapstructure:"supervisor"`
}

// RemoteSource configures one remotely refreshed document.
type RemoteSource struct {
	URL             string        `mapstructure:"url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CacheDuration   time.Duration `mapstructure:"cache_duration"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// DefaultConfig returns a Config populated with development defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.config/m365guard",
		Rules: RemoteSource{
			URL:             "https://raw.githubusercontent.com/raysh454/m365guard/main/rules/detection-rules.json",
			RefreshInterval: 24 * time.Hour,
			CacheDuration:   24 * time.Hour,
			FetchTimeout:    10 * time.Second,
		},
		RogueApps: RemoteSource{
			URL:             "https://raw.githubusercontent.com/raysh454/m365guard/main/rules/rogue-apps.json",
			RefreshInterval: 12 * time.Hour,
			CacheDuration:   24 * time.Hour,
			FetchTimeout:    5 * time.Second,
		},
		WebClient: webclient.Config{
			Client: webclient.ClientNetHTTP,
		},
		Renderer: webclient.Config{
			Client:   webclient.ClientChromedp,
			Headless: true,
		},
		Fetch:        fetcher.DefaultConfig(),
		ScanLimit:    5,
		ScanCooldown: 1200 * time.Millisecond,
		Verdict: verdict.Config{
			Debounce:        150 * time.Millisecond,
			HeaderCacheSize: 100,
			HeaderCacheTTL:  5 * time.Minute,
		},
		Telemetry: telemetry.Config{
			FlushInterval: 3 * time.Second,
		},
		Supervisor: supervisor.DefaultConfig(),
	}
}
