package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

func TestParseCount(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{"1,234,567", 1234567},
		{"1.234.567", 1234567},
		{"1 234 567", 1234567},
		{"1 234 567", 1234567},
		{"1'234", 1234},
		{"0", 0},
		{"  42 ", 42},
	}
	for _, tc := range cases {
		got, err := ParseCount(tc.raw)
		if err != nil {
			t.Errorf("ParseCount(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCount(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}

	for _, raw := range []string{"", "   ", ",.", "12K", "-5", "99999999999999999999"} {
		_, err := ParseCount(raw)
		var pe *metric.ParseError
		if !errors.As(err, &pe) {
			t.Errorf("ParseCount(%q): got %v, want ParseError", raw, err)
		}
	}
}

func TestStrategyParse(t *testing.T) {
	cases := []struct {
		src  metric.Source
		raw  string
		want int64
	}{
		{metric.YouTubeViews, "1,234,567 views", 1234567},
		{metric.YouTubeMusicViews, "0 views", 0},
		{metric.SpotifyMonthlyListeners, "1.234.567 monthly listeners", 1234567},
		{metric.SpotifyMonthlyListeners, "98 765 Monthly Listeners", 98765},
		{metric.SpotifyStreams, "305,112,406", 305112406},
	}
	for _, tc := range cases {
		s, err := Lookup(tc.src)
		if err != nil {
			t.Fatal(err)
		}
		got, err := s.Parse(tc.raw)
		if err != nil {
			t.Errorf("%s.Parse(%q): %v", tc.src, tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s.Parse(%q) = %d, want %d", tc.src, tc.raw, got, tc.want)
		}
	}

	s, _ := Lookup(metric.YouTubeViews)
	if _, err := s.Parse("No views"); err == nil {
		t.Error(`Parse("No views"): expected ParseError`)
	}
	if _, err := s.Parse(""); err == nil {
		t.Error(`Parse(""): expected ParseError`)
	}
}

func TestStrategyValidate(t *testing.T) {
	yt, _ := Lookup(metric.YouTubeViews)
	if err := yt.Validate("dQw4w9WgXcQ"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}

	var invalid *metric.InvalidIdentifierError
	if err := yt.Validate("dQw4w9WgXc"); !errors.As(err, &invalid) {
		t.Errorf("10-char id: got %v, want InvalidIdentifierError", err)
	}
	if err := yt.Validate("short"); !errors.As(err, &invalid) {
		t.Errorf("short id: got %v, want InvalidIdentifierError", err)
	}
	if err := yt.Validate(""); !errors.Is(err, metric.ErrMissingIdentifier) {
		t.Errorf("empty id: got %v, want ErrMissingIdentifier", err)
	}

	sp, _ := Lookup(metric.SpotifyMonthlyListeners)
	if err := sp.Validate("0TnOYISbd1XYRBk9myaseg"); err != nil {
		t.Errorf("valid spotify id rejected: %v", err)
	}
	if err := sp.Validate("0TnOYISbd1XYRBk9mya-eg"); !errors.As(err, &invalid) {
		t.Errorf("spotify id with dash: got %v, want InvalidIdentifierError", err)
	}
}

func TestNewTarget(t *testing.T) {
	e := metric.Entity{Kind: metric.KindSong, ID: 3, YouTubeID: "dQw4w9WgXcQ"}
	tg := NewTarget(e, metric.YouTubeViews)
	if tg.URL != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("URL = %q", tg.URL)
	}
	if tg.Key() != "youtube_views/song/3" {
		t.Errorf("Key = %q", tg.Key())
	}

	missing := NewTarget(e, metric.YouTubeMusicViews)
	if missing.URL != "" || missing.ExternalID != "" {
		t.Errorf("missing id: got %+v", missing)
	}
}

const youtubePage = `<html><body>
<div id="info"><div id="count"><yt-view-count-renderer><span>1,234,567 views</span><span>extra</span></yt-view-count-renderer></div></div>
</body></html>`

func TestHTMLExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("v") {
		case "dQw4w9WgXcQ":
			w.Write([]byte(youtubePage))
		case "limitedxxxx":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`<html><body><p>nothing here</p></body></html>`))
		}
	}))
	defer srv.Close()

	s, _ := Lookup(metric.YouTubeViews)
	x := NewHTMLExtractor(s, WithHTTPClient(resty.New()))

	got, err := x.Extract(context.Background(), Target{Source: metric.YouTubeViews, URL: srv.URL + "/watch?v=dQw4w9WgXcQ"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != 1234567 {
		t.Errorf("Extract = %d, want 1234567", got)
	}

	_, err = x.Extract(context.Background(), Target{URL: srv.URL + "/watch?v=limitedxxxx"})
	var httpErr *metric.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 429 || httpErr.RetryAfter != 7*time.Second {
		t.Errorf("429: got %v", err)
	}

	_, err = x.Extract(context.Background(), Target{URL: srv.URL + "/watch?v=emptyxxxxxx"})
	var nf *metric.ElementNotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("missing element: got %v, want ElementNotFoundError", err)
	}
}

func TestAPIExtractor(t *testing.T) {
	s, _ := Lookup(metric.SpotifyFollowers)
	x := NewAPIExtractor(s, func(_ context.Context, id string) (int64, error) {
		if id == "neg" {
			return -1, nil
		}
		return 1500, nil
	})
	v, err := x.Extract(context.Background(), Target{ExternalID: "abc"})
	if err != nil || v != 1500 {
		t.Fatalf("Extract = %d, %v", v, err)
	}
	if _, err := x.Extract(context.Background(), Target{ExternalID: "neg"}); metric.Classify(err) != metric.Permanent {
		t.Errorf("negative count: got %v, want permanent failure", err)
	}
}

type fakePage struct {
	text   string
	err    error
	mu     *sync.Mutex
	closed *int
}

func (p *fakePage) Text(context.Context, Locator, time.Duration) (string, error) {
	return p.text, p.err
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	*p.closed++
	p.mu.Unlock()
	return nil
}

type fakeSession struct {
	mu     sync.Mutex
	opened int
	closed int
	pages  map[string]*fakePage
}

func (s *fakeSession) Open(_ context.Context, url string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	p, ok := s.pages[url]
	if !ok {
		return nil, &metric.NavigationError{URL: url, Err: errors.New("unreachable")}
	}
	return &fakePage{text: p.text, err: p.err, mu: &s.mu, closed: &s.closed}, nil
}

func TestPageExtractor_BatchLifecycle(t *testing.T) {
	s, _ := Lookup(metric.YouTubeViews)
	sess := &fakeSession{pages: map[string]*fakePage{
		s.URL("aaaaaaaaaaa"): {text: "10 views"},
		s.URL("bbbbbbbbbbb"): {text: "2,000 views"},
		s.URL("ccccccccccc"): {err: &metric.ElementNotFoundError{Locator: "x"}},
	}}
	x := NewPageExtractor(sess, s, nil)

	var targets []Target
	for i, id := range []string{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc", "ddddddddddd"} {
		targets = append(targets, NewTarget(metric.Entity{Kind: metric.KindSong, ID: int64(i + 1), YouTubeID: id}, metric.YouTubeViews))
	}

	x.Prepare(context.Background(), targets)
	if sess.opened != 4 {
		t.Fatalf("opened = %d, want 4 after Prepare", sess.opened)
	}

	if v, err := x.Extract(context.Background(), targets[0]); err != nil || v != 10 {
		t.Errorf("target a = %d, %v", v, err)
	}
	if v, err := x.Extract(context.Background(), targets[1]); err != nil || v != 2000 {
		t.Errorf("target b = %d, %v", v, err)
	}
	if _, err := x.Extract(context.Background(), targets[2]); err == nil {
		t.Error("target c: expected error")
	}
	var nav *metric.NavigationError
	if _, err := x.Extract(context.Background(), targets[3]); !errors.As(err, &nav) {
		t.Errorf("target d: got %v, want NavigationError from Prepare", err)
	}
	if sess.opened != 4 {
		t.Errorf("opened = %d, want 4: prepared pages must be reused", sess.opened)
	}

	x.Release(targets)
	if x.Open() != 0 {
		t.Errorf("pages still held after Release: %d", x.Open())
	}
	// a, b kept until Release; c closed on failure; d never opened.
	if sess.closed != 3 {
		t.Errorf("closed = %d, want 3", sess.closed)
	}
}

// WHAT: extractors refuse a strategy without a locator and classify the
// failure as permanent, before any page is loaded.
// WHY: an empty selector never matches, which would otherwise look like a
// page that has not rendered yet and be retried.
func TestNoLocatorIsPermanent(t *testing.T) {
	s, _ := Lookup(metric.SpotifyFollowers)
	if !s.Locator.IsZero() {
		t.Fatalf("spotify_followers locator = %q, want none", s.Locator)
	}
	target := NewTarget(metric.Entity{Kind: metric.KindArtist, ID: 1, SpotifyID: "0TnOYISbd1XYRBk9myaseg"}, metric.SpotifyFollowers)

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`<html><body><span>1,500 followers</span></body></html>`))
	}))
	defer srv.Close()

	_, err := NewHTMLExtractor(s).Extract(context.Background(), Target{Source: metric.SpotifyFollowers, URL: srv.URL})
	if !errors.Is(err, metric.ErrNoLocator) || metric.Classify(err) != metric.Permanent {
		t.Errorf("html: got %v (%s), want permanent ErrNoLocator", err, metric.Classify(err))
	}
	if requests != 0 {
		t.Errorf("html: %d requests sent for a source without a locator", requests)
	}

	sess := &fakeSession{pages: map[string]*fakePage{target.URL: {text: "1,500"}}}
	x := NewPageExtractor(sess, s, nil)
	x.Prepare(context.Background(), []Target{target})
	_, err = x.Extract(context.Background(), target)
	if !errors.Is(err, metric.ErrNoLocator) || metric.Classify(err) != metric.Permanent {
		t.Errorf("page: got %v, want permanent ErrNoLocator", err)
	}
	if sess.opened != 0 {
		t.Errorf("opened %d pages for a source without a locator", sess.opened)
	}
}
