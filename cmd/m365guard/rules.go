package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/raysh454/m365guard/internal/logging"
)

func newRulesCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and refresh the detection rule cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print cache metadata for the rules and rogue app feed",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(cmd, *configFile)
				if err != nil {
					return err
				}
				guard, err := newGuard(cfg, logging.Nop())
				if err != nil {
					return err
				}
				defer guard.Close(context.Background())
				if !guard.Rules.LoadFromCache(cmd.Context()) {
					color.Yellow("[!] no cached rules; showing bundled defaults")
				}

				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"rules": guard.Rules.Metadata()})
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Force-download the rule set and report the outcome",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(cmd, *configFile)
				if err != nil {
					return err
				}
				guard, err := newGuard(cfg, logging.Nop())
				if err != nil {
					return err
				}
				defer guard.Close(context.Background())

				report := guard.Rules.ForceUpdate(cmd.Context())
				meta := guard.Rules.Metadata()
				if !report.Success {
					color.Red("[-] refresh from %s failed: %s", meta.SourceURL, report.Error)
					return fmt.Errorf("rules refresh failed")
				}
				color.Green("[+] loaded %d rule elements from %s", report.Count, meta.SourceURL)
				switch {
				case report.Diff != nil:
					color.Yellow("[*] rule set changed: +%d/-%d characters", report.Diff.Inserted, report.Diff.Deleted)
				case !report.Changed:
					fmt.Println("[*] rule set unchanged")
				}
				return nil
			},
		},
	)
	return cmd
}
