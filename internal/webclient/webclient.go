package webclient

import (
	"context"
)

// WebClient fetches remote resources. Backends: net/http for JSON documents
// and raw markup, chromedp when a page has to be rendered before scanning.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	// Get is a convenience method for simple GET requests
	Get(ctx context.Context, url string) (*Response, error)

	Close() error
}
