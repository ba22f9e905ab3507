package enumerator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/utils"
	"github.com/raysh454/m365guard/internal/webclient"
)

// DefaultMaxPages bounds one enumeration.
const DefaultMaxPages = 50

var (
	// Absolute URLs inside inline scripts and non-HTML bodies.
	absoluteURL = regexp.MustCompile(`https?://[^\s"'<>\\]+`)
	// <meta http-equiv="refresh" content="0; url=...">
	refreshURL = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'"\s;]+)`)
)

// linkSelectors are the elements a lure uses to move a victim along.
var linkSelectors = []struct{ sel, attr string }{
	{"a[href], area[href], link[rel=next]", "href"},
	{"iframe[src], frame[src]", "src"},
	{"form[action]", "action"},
}

// Spider walks same-site links breadth first. Pages deeper than MaxDepth
// are reported but not fetched.
type Spider struct {
	MaxDepth int
	MaxPages int
	wc       webclient.WebClient
	logger   logging.Logger
}

type spiderHelper struct {
	spider     *Spider
	rootOrigin string
	rootSite   string
	depth      map[string]int
	results    []string
}

func NewSpider(maxDepth, maxPages int, wc webclient.WebClient, logger logging.Logger) *Spider {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Spider{
		MaxDepth: maxDepth,
		MaxPages: maxPages,
		wc:       wc,
		logger:   logger.With(logging.Field{Key: "component", Value: "enumerator"}),
	}
}

func canonical(raw string) (string, error) {
	return utils.Canonicalize(raw, utils.CanonicalizeOptions{DropTrackingParams: true})
}

func newSpiderHelper(spider *Spider, root string) (*spiderHelper, error) {
	rootURL, err := canonical(root)
	if err != nil {
		return nil, err
	}
	origin, err := utils.Origin(rootURL)
	if err != nil {
		return nil, err
	}

	return &spiderHelper{
		spider:     spider,
		rootOrigin: origin,
		rootSite:   utils.RegistrableDomain(utils.Hostname(rootURL)),
		depth:      map[string]int{rootURL: 0},
		results:    []string{rootURL},
	}, nil
}

// sameSite keeps the walk on the lure's registrable domain; hosts without
// one (IPs, localhost) must match the root origin exactly.
func (sh *spiderHelper) sameSite(raw string) bool {
	if sh.rootSite == "" {
		origin, err := utils.Origin(raw)
		return err == nil && origin == sh.rootOrigin
	}
	host := utils.Hostname(raw)
	return host != "" && utils.RegistrableDomain(host) == sh.rootSite
}

func resolveFullURLs(base string, links []string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	var result []string
	for _, v := range links {
		v = strings.TrimSpace(v)
		if v == "" || strings.HasPrefix(v, "#") {
			continue
		}
		ref, err := url.Parse(v)
		if err != nil {
			continue
		}
		resolved := baseURL.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		result = append(result, resolved.String())
	}
	return result
}

func extractLinksHTML(doc *goquery.Document) []string {
	var links []string
	for _, ls := range linkSelectors {
		doc.Find(ls.sel).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr(ls.attr); ok {
				links = append(links, v)
			}
		})
	}

	doc.Find(`meta[http-equiv]`).Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(equiv, "refresh") {
			return
		}
		content, _ := s.Attr("content")
		if m := refreshURL.FindStringSubmatch(content); m != nil {
			links = append(links, m[1])
		}
	})

	doc.Find("script:not([src])").Each(func(_ int, s *goquery.Selection) {
		links = append(links, absoluteURL.FindAllString(s.Text(), -1)...)
	})
	return links
}

func (sh *spiderHelper) crawlPage(ctx context.Context, target string) ([]string, error) {
	resp, err := sh.spider.wc.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("error making http request: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("received 404 from target")
	}

	base := target
	if resp.Request != nil && resp.Request.URL != "" {
		base = resp.Request.URL
	}

	var links []string
	if loc := resp.Headers.Get("Location"); loc != "" {
		links = append(links, loc)
	}

	ct := resp.Headers.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "text/html") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(resp.Body)))
		if err != nil {
			return nil, fmt.Errorf("couldn't parse %s: %w", target, err)
		}
		links = append(links, extractLinksHTML(doc)...)
	} else {
		links = append(links, absoluteURL.FindAllString(string(resp.Body), -1)...)
	}

	return resolveFullURLs(base, links), nil
}

func (sh *spiderHelper) appendPages(pages []string, lastDepth int) {
	for _, page := range pages {
		if len(sh.results) >= sh.spider.MaxPages {
			return
		}
		if !sh.sameSite(page) {
			continue
		}
		pageStr, err := canonical(page)
		if err != nil {
			sh.spider.logger.Warn("error parsing page url",
				logging.Field{Key: "url", Value: page},
				logging.Err(err))
			continue
		}

		if _, exists := sh.depth[pageStr]; !exists {
			sh.depth[pageStr] = lastDepth + 1
			sh.results = append(sh.results, pageStr)
		}
	}
}

func (sh *spiderHelper) run(ctx context.Context) error {
	for currPage := 0; currPage < len(sh.results); currPage++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := sh.results[currPage]
		currDepth := sh.depth[page]
		if currDepth > sh.spider.MaxDepth {
			break
		}

		crawledPages, err := sh.crawlPage(ctx, page)
		if err != nil {
			sh.spider.logger.Warn("error while crawling page",
				logging.Field{Key: "url", Value: page},
				logging.Err(err))
			continue
		}
		sh.appendPages(crawledPages, currDepth)
	}
	return nil
}

// Enumerate returns target followed by every same-site page discovered,
// in discovery order. Crawl errors on individual pages are logged.
func (s *Spider) Enumerate(ctx context.Context, target string) ([]string, error) {
	if s.wc == nil {
		return nil, fmt.Errorf("enumerator: webclient is nil")
	}
	helper, err := newSpiderHelper(s, target)
	if err != nil {
		return nil, err
	}

	if err := helper.run(ctx); err != nil {
		return helper.results, err
	}
	return helper.results, nil
}
