// Command m365guard runs the Microsoft 365 phishing detection service and
// offers one-shot scans from the terminal.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "m365guard",
		Short:         "Detect Microsoft 365 credential phishing pages",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml or json)")
	root.PersistentFlags().String("data-dir", "", "directory for the SQLite database (empty = default, \"memory\" = in memory)")
	root.PersistentFlags().String("rules-url", "", "override the detection rules source")
	root.PersistentFlags().Bool("render", false, "render pages with headless Chrome for content scans")

	root.AddCommand(
		newServeCmd(&configFile),
		newScanCmd(&configFile),
		newRulesCmd(&configFile),
	)
	return root
}
