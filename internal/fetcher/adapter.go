package fetcher

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/raysh454/m365guard/internal/webclient"
)

// Page is one fetched document, tagged with the synthetic tab it is
// analyzed under.
type Page struct {
	TabID      int
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
}

// Markup returns the body as a string for the signal extractor.
func (p *Page) Markup() string { return string(p.Body) }

// PageFromResponse converts a webclient response into a Page. Header
// names are canonicalized and empty values dropped.
func PageFromResponse(tabID int, url string, resp *webclient.Response) (*Page, error) {
	if resp == nil {
		return nil, fmt.Errorf("fetcher: nil response for %s", url)
	}
	if resp.Request != nil && resp.Request.URL != "" {
		url = resp.Request.URL
	}

	headers := make(http.Header, len(resp.Headers))
	for name, values := range resp.Headers {
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				headers.Add(name, v)
			}
		}
	}

	fetchedAt := resp.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	return &Page{
		TabID:      tabID,
		URL:        url,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       resp.Body,
		FetchedAt:  fetchedAt,
	}, nil
}
