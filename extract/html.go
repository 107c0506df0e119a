package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// HTMLExtractor is the browserless path: one HTTP GET, then a CSS lookup on
// the static document. It suits pages that render the count server-side.
type HTMLExtractor struct {
	client   *resty.Client
	strategy Strategy
	now      func() time.Time
}

// HTMLOption configures an HTMLExtractor.
type HTMLOption func(*HTMLExtractor)

// WithHTTPClient replaces the resty client.
func WithHTTPClient(c *resty.Client) HTMLOption {
	return func(x *HTMLExtractor) { x.client = c }
}

// NewHTMLExtractor creates a static-page extractor for strategy.
func NewHTMLExtractor(strategy Strategy, opts ...HTMLOption) *HTMLExtractor {
	x := &HTMLExtractor{
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "Mozilla/5.0 (compatible; flowctl/1.0)").
			SetHeader("Accept-Language", "en-US,en;q=0.5"),
		strategy: strategy,
		now:      time.Now,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Extract fetches t.URL and parses the element matched by the CSS locator.
func (x *HTMLExtractor) Extract(ctx context.Context, t Target) (int64, error) {
	if x.strategy.Locator.CSS == "" {
		return 0, fmt.Errorf("extract: %s: %w", x.strategy.Source, metric.ErrNoLocator)
	}
	res, err := x.client.R().SetContext(ctx).Get(t.URL)
	if err != nil {
		return 0, &metric.NavigationError{URL: t.URL, Err: err}
	}
	if res.StatusCode() != http.StatusOK {
		return 0, &metric.HTTPError{
			StatusCode: res.StatusCode(),
			URL:        t.URL,
			RetryAfter: metric.ParseRetryAfter(res.Header().Get("Retry-After"), x.now()),
		}
	}
	return x.ExtractDocument(res.Body())
}

// ExtractDocument applies the strategy to an already fetched document.
func (x *HTMLExtractor) ExtractDocument(body []byte) (int64, error) {
	if x.strategy.Locator.CSS == "" {
		return 0, fmt.Errorf("extract: %s: %w", x.strategy.Source, metric.ErrNoLocator)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0, &metric.MalformedResponseError{Err: fmt.Errorf("parse html: %w", err)}
	}
	sel := doc.Find(x.strategy.Locator.CSS).First()
	if sel.Length() == 0 {
		return 0, &metric.ElementNotFoundError{Locator: x.strategy.Locator.CSS}
	}
	return x.strategy.Parse(strings.TrimSpace(sel.Text()))
}
