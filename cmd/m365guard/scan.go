package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/raysh454/m365guard/internal/app"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/verdict"
)

// scanTabID is the tab a --file scan is reported under.
const scanTabID = 1

func newScanCmd(configFile *string) *cobra.Command {
	var (
		file    string
		pageURL string
		asJSON  bool
		verbose bool
		crawl   int
	)

	cmd := &cobra.Command{
		Use:   "scan [url...]",
		Short: "Scan pages for Microsoft 365 phishing kits",
		Long: "Fetches each URL and scores it. With --file, scores a saved page " +
			"instead; --url sets the address it was served from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) == 0 {
				return errors.New("give at least one url or --file")
			}
			cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			var logger logging.Logger = logging.Nop()
			if verbose {
				logger = logging.NewStdoutLogger("m365guard")
			}
			guard, err := newGuard(cfg, logger)
			if err != nil {
				return err
			}
			defer guard.Close(context.Background())
			if err := guard.Initialize(ctx); err != nil {
				color.Yellow("[!] starting in reduced mode: %v", err)
			}

			var results []app.BulkResult
			if file != "" {
				res, err := scanFile(ctx, guard, file, pageURL)
				if err != nil {
					return err
				}
				results = append(results, res)
			}
			if len(args) > 0 && crawl > 0 {
				args = guard.Discover(ctx, args, crawl-1, 0)
			}
			if len(args) > 0 {
				color.Cyan("[+] Scanning %d url(s) with %d workers...", len(args), cfg.App.Fetch.MaxConcurrency)
				bulk, err := guard.ScanURLs(ctx, args, cfg.App.RenderPages)
				if err != nil {
					return err
				}
				results = append(results, bulk...)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return printResults(color.Output, results)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "saved page to score")
	cmd.Flags().StringVar(&pageURL, "url", "https://unknown.invalid/", "url the --file page was served from")
	cmd.Flags().IntVar(&crawl, "crawl", 0, "also scan same-site pages up to this many links away")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log to stdout")
	return cmd
}

func scanFile(ctx context.Context, guard *app.Guard, path, pageURL string) (app.BulkResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return app.BulkResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	res := app.BulkResult{URL: pageURL}
	if _, err := guard.Verdicts.EvaluateURL(ctx, scanTabID, pageURL); err != nil {
		return res, err
	}
	scan, err := guard.ScanPage(ctx, scanTabID, pageURL, string(data))
	if err != nil {
		return res, err
	}
	res.Verdict, res.Detection = scan.Verdict, scan.Result
	return res, nil
}

func verdictColor(v verdict.Verdict) *color.Color {
	switch v {
	case verdict.Phishy, verdict.RogueApp:
		return color.New(color.FgHiRed, color.Bold)
	case verdict.MSLoginUnknown:
		return color.New(color.FgYellow)
	case verdict.Trusted, verdict.TrustedExtra, verdict.Safe:
		return color.New(color.FgHiGreen)
	default:
		return color.New(color.FgHiBlack)
	}
}

// printResults writes one line per page plus the detection reasons, and
// returns an error when any page was phishy so scripts can gate on it.
func printResults(w io.Writer, results []app.BulkResult) error {
	dgray := color.New(color.FgHiBlack)
	lred := color.New(color.FgHiRed)
	threats := 0

	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(w, "%s %s\n", lred.Sprint("[-] error"), r.URL)
			fmt.Fprintf(w, "    %s\n", dgray.Sprint(r.Error))
			continue
		}
		v := r.Verdict.Verdict
		if v == "" {
			v = verdict.NotEvaluated
		}
		if v == verdict.Phishy || v == verdict.RogueApp {
			threats++
		}
		line := fmt.Sprintf("[%s] %s", verdictColor(v).Sprint(v), r.URL)
		if r.Detection != nil {
			line += dgray.Sprintf(" (confidence %.2f, weight %.1f)", r.Detection.Confidence, r.Detection.TotalWeight)
		}
		fmt.Fprintln(w, line)
		if r.Verdict.Reason != "" {
			fmt.Fprintf(w, "    %s\n", dgray.Sprint(r.Verdict.Reason))
		}
		if r.Detection != nil && len(r.Detection.DetectedElements) > 0 {
			fmt.Fprintf(w, "    %s\n", dgray.Sprint("elements: "+strings.Join(r.Detection.DetectedElements, ", ")))
		}
	}

	if threats > 0 {
		return fmt.Errorf("%d phishing page(s) detected", threats)
	}
	return nil
}
