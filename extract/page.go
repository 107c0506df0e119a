package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Session opens pages in a browser owned elsewhere.
type Session interface {
	Open(ctx context.Context, url string) (Page, error)
}

// Page is one loaded browsing context.
type Page interface {
	// Text waits up to timeout for loc and returns its text content.
	Text(ctx context.Context, loc Locator, timeout time.Duration) (string, error)
	Close() error
}

type slot struct {
	page Page
	err  error
}

// PageExtractor reads counts from rendered pages. In batched mode
// (Prepare/Release) all pages of a batch are opened before the first
// extraction and closed together once the batch is done.
type PageExtractor struct {
	session  Session
	strategy Strategy
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]slot
}

// NewPageExtractor binds a session to a strategy.
func NewPageExtractor(session Session, strategy Strategy, logger *slog.Logger) *PageExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PageExtractor{
		session:  session,
		strategy: strategy,
		logger:   logger,
		slots:    make(map[string]slot),
	}
}

// Prepare opens one page per target concurrently. Open failures are kept
// and surface on the target's first Extract.
func (x *PageExtractor) Prepare(ctx context.Context, targets []Target) {
	if x.strategy.Locator.IsZero() {
		return
	}
	var wg sync.WaitGroup
	for _, t := range targets {
		if t.URL == "" || x.strategy.Validate(t.ExternalID) != nil {
			continue
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			p, err := x.session.Open(ctx, t.URL)
			x.put(t.Key(), slot{page: p, err: err})
		}(t)
	}
	wg.Wait()
}

// Extract reads the count for t, reusing the prepared page when there is one.
// A page that failed is closed so the next attempt opens a fresh one.
func (x *PageExtractor) Extract(ctx context.Context, t Target) (int64, error) {
	if x.strategy.Locator.IsZero() {
		return 0, fmt.Errorf("extract: %s: %w", x.strategy.Source, metric.ErrNoLocator)
	}
	key := t.Key()
	s, ok := x.take(key)
	if ok && s.err != nil {
		return 0, s.err
	}

	page := s.page
	if page == nil {
		p, err := x.session.Open(ctx, t.URL)
		if err != nil {
			return 0, err
		}
		page = p
	}

	raw, err := page.Text(ctx, x.strategy.Locator, x.strategy.WaitTimeout)
	if err != nil {
		x.closePage(t, page)
		return 0, err
	}
	v, err := x.strategy.Parse(raw)
	if err != nil {
		x.closePage(t, page)
		return 0, err
	}
	x.put(key, slot{page: page})
	return v, nil
}

// Release closes every page still held for targets.
func (x *PageExtractor) Release(targets []Target) {
	for _, t := range targets {
		if s, ok := x.take(t.Key()); ok && s.page != nil {
			x.closePage(t, s.page)
		}
	}
}

// Open reports how many pages are currently held.
func (x *PageExtractor) Open() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, s := range x.slots {
		if s.page != nil {
			n++
		}
	}
	return n
}

func (x *PageExtractor) put(key string, s slot) {
	x.mu.Lock()
	x.slots[key] = s
	x.mu.Unlock()
}

func (x *PageExtractor) take(key string) (slot, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.slots[key]
	if ok {
		delete(x.slots, key)
	}
	return s, ok
}

func (x *PageExtractor) closePage(t Target, p Page) {
	if err := p.Close(); err != nil {
		x.logger.Debug("extract: close page", "url", t.URL, "error", err)
	}
}
