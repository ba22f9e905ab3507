package demoserver

import "strings"

// Config controls the demo server.
type Config struct {
	// Addr is the listen address.
	Addr string

	// InitialVersion is the stage every page starts at.
	InitialVersion int

	// Feed routes. The m365guard rule and rogue app sources point here.
	RulesPath     string
	RogueAppsPath string
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":9999",
		InitialVersion: VersionBenign,
		RulesPath:      "/rules.json",
		RogueAppsPath:  "/rogue-apps.json",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.InitialVersion < VersionBenign {
		c.InitialVersion = d.InitialVersion
	}
	if c.RulesPath == "" {
		c.RulesPath = d.RulesPath
	}
	if c.RogueAppsPath == "" {
		c.RogueAppsPath = d.RogueAppsPath
	}
	return c
}

// BaseURL is the address a local browser or the CLI reaches the server at.
func (c Config) BaseURL() string {
	addr := c.withDefaults().Addr
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
