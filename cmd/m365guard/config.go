package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/raysh454/m365guard/internal/app"
	"github.com/raysh454/m365guard/internal/logging"
)

const envPrefix = "M365GUARD"

// cliConfig is what a command needs to build a Guard and, for serve, an
// HTTP server.
type cliConfig struct {
	App    *app.Config
	Listen string
}

// loadConfig layers defaults, the optional config file, M365GUARD_*
// environment variables and command flags, in that order.
func loadConfig(cmd *cobra.Command, configFile string) (*cliConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := app.DefaultConfig()
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("branding_file", def.BrandingFile)
	v.SetDefault("enterprise_file", def.EnterpriseFile)
	v.SetDefault("rules.url", def.Rules.URL)
	v.SetDefault("rogue_apps.url", def.RogueApps.URL)
	v.SetDefault("render_pages", def.RenderPages)
	v.SetDefault("fetch.maxConcurrency", def.Fetch.MaxConcurrency)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	for key, flag := range map[string]string{
		"data_dir":     "data-dir",
		"rules.url":    "rules-url",
		"render_pages": "render",
		"listen":       "listen",
	} {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	if err := v.Unmarshal(def); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if def.DataDir == "memory" {
		def.DataDir = ""
	}
	return &cliConfig{App: def, Listen: v.GetString("listen")}, nil
}

func newGuard(cfg *cliConfig, logger logging.Logger) (*app.Guard, error) {
	g, err := app.New(cfg.App, logger)
	if err != nil {
		return nil, fmt.Errorf("build guard: %w", err)
	}
	return g, nil
}
