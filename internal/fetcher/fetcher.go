package fetcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/webclient"
)

// Module: fetcher
// Fetches pages concurrently and hands them to a BatchHandler in batches.

// BatchHandler consumes fetched pages. Batches arrive sequentially from a
// single goroutine.
type BatchHandler interface {
	HandleBatch(ctx context.Context, pages []*Page)
}

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(ctx context.Context, pages []*Page)

func (f BatchHandlerFunc) HandleBatch(ctx context.Context, pages []*Page) { f(ctx, pages) }

// Failure is a URL that could not be fetched.
type Failure struct {
	TabID int
	URL   string
	Err   error
}

type Fetcher struct {
	cfg     Config
	wc      webclient.WebClient
	handler BatchHandler
	logger  logging.Logger
}

// New creates a Fetcher. Zero config fields take the defaults.
func New(cfg Config, wc webclient.WebClient, handler BatchHandler, logger logging.Logger) (*Fetcher, error) {
	if wc == nil {
		return nil, fmt.Errorf("fetcher: webclient is nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("fetcher: batch handler is nil")
	}
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("fetcher")
	}
	return &Fetcher{cfg: cfg, wc: wc, handler: handler, logger: logger}, nil
}

// Fetch gets every URL with at most MaxConcurrency requests in flight.
// The i-th URL is assigned tab id firstTabID+i. Pages are delivered to the
// handler in batches of BatchSize; failed fetches are returned.
func (f *Fetcher) Fetch(ctx context.Context, firstTabID int, pageURLs []string) []Failure {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []Failure
	)
	sem := make(chan struct{}, f.cfg.MaxConcurrency)
	pageCh := make(chan *Page)
	batcherDone := make(chan struct{})

	go func() {
		defer close(batcherDone)
		batch := make([]*Page, 0, f.cfg.BatchSize)
		flush := func() {
			if len(batch) > 0 {
				f.handler.HandleBatch(ctx, batch)
				batch = make([]*Page, 0, f.cfg.BatchSize)
			}
		}

		for {
			select {
			case <-ctx.Done():
				flush()
				return
			case page, ok := <-pageCh:
				if !ok {
					flush()
					return
				}
				batch = append(batch, page)
				if len(batch) == f.cfg.BatchSize {
					flush()
				}
			}
		}
	}()

	fail := func(tabID int, url string, err error) {
		f.logger.Error("error while fetching page",
			logging.Field{Key: "url", Value: url},
			logging.Err(err))
		mu.Lock()
		failures = append(failures, Failure{TabID: tabID, URL: url, Err: err})
		mu.Unlock()
	}

	for i, pageURL := range pageURLs {
		if ctx.Err() != nil {
			fail(firstTabID+i, pageURL, ctx.Err())
			continue
		}

		wg.Add(1)
		go func(tabID int, pageURL string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				fail(tabID, pageURL, ctx.Err())
				return
			}
			defer func() { <-sem }()

			page, err := f.get(ctx, tabID, pageURL)
			if err != nil {
				fail(tabID, pageURL, err)
				return
			}

			select {
			case <-ctx.Done():
				fail(tabID, pageURL, ctx.Err())
			case pageCh <- page:
			}
		}(firstTabID+i, pageURL)
	}

	wg.Wait()
	close(pageCh)
	<-batcherDone
	return failures
}

func (f *Fetcher) get(ctx context.Context, tabID int, pageURL string) (*Page, error) {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	resp, err := f.wc.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("error GETting %s: %w", pageURL, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("error GETting %s: status %d", pageURL, resp.StatusCode)
	}
	return PageFromResponse(tabID, pageURL, resp)
}
