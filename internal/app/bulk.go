package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/raysh454/m365guard/internal/detection"
	"github.com/raysh454/m365guard/internal/enumerator"
	"github.com/raysh454/m365guard/internal/fetcher"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/verdict"
)

// BulkTabBase offsets the synthetic tab ids used by ScanURLs so they never
// collide with browser tabs.
const BulkTabBase = 1 << 20

// BulkResult is the outcome for one URL of ScanURLs.
type BulkResult struct {
	URL       string             `json:"url"`
	Status    int                `json:"status,omitempty"`
	Verdict   verdict.TabVerdict `json:"verdict"`
	Detection *detection.Result  `json:"detection,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// ScanURLs fetches every URL and runs each through the same path a
// browser tab takes: origin evaluation, header capture, content scan. The
// synthetic tabs are removed afterwards. Results keep the input order.
func (g *Guard) ScanURLs(ctx context.Context, urls []string, render bool) ([]BulkResult, error) {
	wc := g.client
	if render && g.renderer != nil {
		wc = g.renderer
	}

	results := make([]BulkResult, len(urls))
	for i, u := range urls {
		results[i].URL = u
	}
	var mu sync.Mutex

	handler := fetcher.BatchHandlerFunc(func(ctx context.Context, pages []*fetcher.Page) {
		for _, p := range pages {
			res := g.scanFetched(ctx, p)
			mu.Lock()
			results[p.TabID-BulkTabBase] = res
			mu.Unlock()
		}
	})

	f, err := fetcher.New(g.cfg.Fetch, wc, handler, g.logger)
	if err != nil {
		return nil, fmt.Errorf("new fetcher: %w", err)
	}

	failures := f.Fetch(ctx, BulkTabBase, urls)
	for _, fl := range failures {
		results[fl.TabID-BulkTabBase].Error = fl.Err.Error()
	}
	g.logger.Info("bulk scan finished",
		logging.Field{Key: "urls", Value: len(urls)},
		logging.Field{Key: "failed", Value: len(failures)})
	return results, nil
}

func (g *Guard) scanFetched(ctx context.Context, p *fetcher.Page) BulkResult {
	res := BulkResult{URL: p.URL, Status: p.StatusCode}
	defer func() {
		g.Verdicts.TabRemoved(ctx, p.TabID)
		g.limiter.ResetTab(p.TabID)
	}()

	if _, err := g.Verdicts.EvaluateURL(ctx, p.TabID, p.URL); err != nil {
		res.Error = err.Error()
		return res
	}
	g.Verdicts.RecordHeaders(p.TabID, p.URL, p.Headers)

	scan, err := g.ScanPage(ctx, p.TabID, p.URL, p.Markup())
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Verdict, res.Detection = scan.Verdict, scan.Result
	return res
}

// Discover expands each target with the same-site pages reachable within
// depth links, without duplicates. Targets that cannot be crawled are kept
// as given.
func (g *Guard) Discover(ctx context.Context, targets []string, depth, maxPages int) []string {
	spider := enumerator.NewSpider(depth, maxPages, g.client, g.logger)
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}

	for _, target := range targets {
		pages, err := spider.Enumerate(ctx, target)
		if err != nil {
			g.logger.Warn("enumerating target", logging.Field{Key: "url", Value: target}, logging.Err(err))
		}
		if len(pages) == 0 {
			add(target)
		}
		for _, p := range pages {
			add(p)
		}
	}
	return out
}
