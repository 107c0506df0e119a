// CLAUDE:SUMMARY Per-source extraction strategies: page URL template, locator, identifier shape and parse rule.
// Package extract turns a loaded page, a static HTML document or an API
// payload into a single non-negative count for one metric source.
//
// Every source is bound to exactly one Strategy carrying its locator,
// target URL template, identifier shape and parse rule. Extractors
// (PageExtractor, HTMLExtractor, APIExtractor) apply a Strategy to one
// Target per call.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Locator names the element carrying the count. Browser extraction prefers
// XPath when set; static HTML extraction always uses CSS.
type Locator struct {
	CSS   string
	XPath string
}

// IsZero reports whether l selects nothing.
func (l Locator) IsZero() bool { return l.CSS == "" && l.XPath == "" }

func (l Locator) String() string {
	if l.XPath != "" {
		return l.XPath
	}
	return l.CSS
}

// Strategy is the extraction rule for one source.
type Strategy struct {
	Source metric.Source

	// PageURL is a fmt template with one %s for the external identifier.
	PageURL string

	Locator Locator

	// WaitTimeout bounds the wait for Locator to appear.
	WaitTimeout time.Duration

	// idPattern validates the identifier before any fetch; nil accepts any
	// non-empty identifier.
	idPattern *regexp.Regexp
	idShape   string

	// suffix is stripped from the raw text before parsing.
	suffix string
}

var (
	youtubeID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	spotifyID = regexp.MustCompile(`^[0-9A-Za-z]{22}$`)
)

var strategies = map[metric.Source]Strategy{
	metric.SpotifyStreams: {
		Source:      metric.SpotifyStreams,
		PageURL:     "https://open.spotify.com/track/%s",
		Locator:     Locator{CSS: `span[data-testid="playcount"]`},
		WaitTimeout: 15 * time.Second,
		idPattern:   spotifyID,
		idShape:     "22 base-62 characters",
	},
	metric.SpotifyMonthlyListeners: {
		Source:      metric.SpotifyMonthlyListeners,
		PageURL:     "https://open.spotify.com/artist/%s",
		Locator:     Locator{CSS: `span.Ydwa1P5GkCggtLlSvphs`},
		WaitTimeout: 10 * time.Second,
		idPattern:   spotifyID,
		idShape:     "22 base-62 characters",
		suffix:      "monthly listeners",
	},
	metric.SpotifyFollowers: {
		Source:      metric.SpotifyFollowers,
		PageURL:     "https://open.spotify.com/artist/%s",
		WaitTimeout: 10 * time.Second,
		idPattern:   spotifyID,
		idShape:     "22 base-62 characters",
	},
	metric.YouTubeViews: {
		Source:  metric.YouTubeViews,
		PageURL: "https://www.youtube.com/watch?v=%s",
		Locator: Locator{
			CSS:   `#count yt-view-count-renderer span`,
			XPath: `//*[@id="count"]/yt-view-count-renderer/span[1]`,
		},
		WaitTimeout: 15 * time.Second,
		idPattern:   youtubeID,
		idShape:     "exactly 11 characters of [A-Za-z0-9_-]",
		suffix:      "views",
	},
	metric.YouTubeMusicViews: {
		Source:  metric.YouTubeMusicViews,
		PageURL: "https://www.youtube.com/watch?v=%s",
		Locator: Locator{
			CSS:   `#count yt-view-count-renderer span`,
			XPath: `//*[@id="count"]/yt-view-count-renderer/span[1]`,
		},
		WaitTimeout: 15 * time.Second,
		idPattern:   youtubeID,
		idShape:     "exactly 11 characters of [A-Za-z0-9_-]",
		suffix:      "views",
	},
}

// Lookup returns the strategy bound to src.
func Lookup(src metric.Source) (Strategy, error) {
	s, ok := strategies[src]
	if !ok {
		return Strategy{}, fmt.Errorf("extract: no strategy for source %q", src)
	}
	return s, nil
}

// URL renders the page URL for an external identifier.
func (s Strategy) URL(id string) string {
	return fmt.Sprintf(s.PageURL, id)
}

// Validate checks the identifier shape. It never performs I/O.
func (s Strategy) Validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("extract: %s: %w", s.Source, metric.ErrMissingIdentifier)
	}
	if s.idPattern != nil && !s.idPattern.MatchString(id) {
		return &metric.InvalidIdentifierError{Source: s.Source, ID: id, Reason: "want " + s.idShape}
	}
	return nil
}

// Parse applies the source's text rule and returns the count.
func (s Strategy) Parse(raw string) (int64, error) {
	text := strings.TrimSpace(raw)
	if s.suffix != "" {
		if i := strings.Index(strings.ToLower(text), s.suffix); i >= 0 {
			text = text[:i]
		}
	}
	return ParseCount(leadingNumber(text))
}

// WithWaitTimeout returns a copy of s with a different element wait.
func (s Strategy) WithWaitTimeout(d time.Duration) Strategy {
	if d > 0 {
		s.WaitTimeout = d
	}
	return s
}
