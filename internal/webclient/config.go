package webclient

import "time"

type Client string

const (
	ClientNetHTTP  Client = "nethttp"
	ClientChromedp Client = "chromedp"
)

// Config selects and tunes a backend.
type Config struct {
	Client Client `mapstructure:"client" json:"client"`

	// Timeout bounds a whole request. Callers usually pass a tighter context
	// deadline; this is the backstop. (30s by default)
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`

	UserAgent string `mapstructure:"user_agent" json:"user_agent"`

	// MaxBodyBytes caps how much of a response body is read. (8MB by default)
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" json:"max_body_bytes"`

	// RenderIdle is how long the chromedp backend waits without network
	// activity before capturing the DOM. (2s by default)
	RenderIdle time.Duration `mapstructure:"render_idle" json:"render_idle"`

	// Headless controls the chromedp browser window.
	Headless bool `mapstructure:"headless" json:"headless"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
	if c.RenderIdle <= 0 {
		c.RenderIdle = 2 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "m365guard/1.0"
	}
	return c
}
