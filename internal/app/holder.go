package app

import (
	"context"
	"sync"

	"github.com/raysh454/m365guard/internal/logging"
)

// Holder owns at most one Guard. Hosts that may restart their coordinating
// goroutines keep a Holder instead of a package-level singleton.
type Holder struct {
	build func() (*Guard, error)

	mu    sync.Mutex
	guard *Guard
}

// NewHolder uses build to create the Guard on first acquisition.
func NewHolder(build func() (*Guard, error)) *Holder {
	return &Holder{build: build}
}

// AcquireOrCreate returns the held Guard, building and initializing it if
// there is none. An initialization failure does not discard the Guard: the
// supervisor keeps retrying and the guard answers in reduced capacity.
func (h *Holder) AcquireOrCreate(ctx context.Context) (*Guard, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.guard != nil {
		return h.guard, nil
	}
	g, err := h.build()
	if err != nil {
		return nil, err
	}
	if err := g.Initialize(ctx); err != nil {
		g.logger.Warn("initial start failed; continuing under supervision", logging.Err(err))
	}
	h.guard = g
	return g, nil
}

// Current returns the held Guard, if any.
func (h *Holder) Current() (*Guard, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guard, h.guard != nil
}

// Release closes and forgets the held Guard.
func (h *Holder) Release(ctx context.Context) error {
	h.mu.Lock()
	g := h.guard
	h.guard = nil
	h.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Close(ctx)
}
