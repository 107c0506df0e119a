package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/JeanSilva08/data-flow-pipeline/extract"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Page wraps a Rod page opened by Manager.Open.
type Page struct {
	page   *rod.Page
	router *rod.HijackRouter
	url    string
	logger *slog.Logger
	closed bool
}

// Text waits up to timeout for loc and returns its trimmed text.
func (p *Page) Text(ctx context.Context, loc extract.Locator, timeout time.Duration) (string, error) {
	scoped := p.page.Context(ctx).Timeout(timeout)
	defer scoped.CancelTimeout()

	var (
		el  *rod.Element
		err error
	)
	if loc.XPath != "" {
		el, err = scoped.ElementX(loc.XPath)
	} else {
		el, err = scoped.Element(loc.CSS)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &metric.ElementNotFoundError{Locator: loc.String(), Timeout: timeout}
		}
		return "", fmt.Errorf("browser: locate %s: %w", loc, err)
	}

	text, err := el.Text()
	if err != nil {
		var gone *rod.ObjectNotFoundError
		if errors.As(err, &gone) {
			return "", &metric.StaleReferenceError{Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &metric.ElementNotFoundError{Locator: loc.String(), Timeout: timeout}
		}
		return "", &metric.StaleReferenceError{Err: err}
	}
	return strings.TrimSpace(text), nil
}

// URL returns the address the page was opened on.
func (p *Page) URL() string { return p.url }

// Close stops request interception and closes the page. Safe to call twice.
func (p *Page) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.router != nil {
		if err := p.router.Stop(); err != nil {
			p.logger.Debug("browser: stop hijack router", "url", p.url, "error", err)
		}
	}
	return p.page.Close()
}
