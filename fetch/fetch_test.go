package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/extract"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordedSleep struct {
	waits []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func youtubeTarget(id string) extract.Target {
	return extract.NewTarget(metric.Entity{Kind: metric.KindSong, ID: 1, YouTubeID: id}, metric.YouTubeViews)
}

func TestFetch_Success(t *testing.T) {
	f := New(WithLogger(quiet()))
	res := f.Fetch(context.Background(), youtubeTarget("dQw4w9WgXcQ"), extract.ExtractorFunc(
		func(context.Context, extract.Target) (int64, error) { return 1234567, nil }))
	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Failure)
	}
	if res.Value != 1234567 || res.Attempts != 1 {
		t.Errorf("got value=%d attempts=%d", res.Value, res.Attempts)
	}
}

func TestFetch_RetryBound(t *testing.T) {
	for _, max := range []int{0, 1, 3, 20} {
		calls := 0
		rs := &recordedSleep{}
		f := New(WithMaxRetries(max), WithDelay(time.Second), WithSleep(rs.sleep), WithLogger(quiet()))

		res := f.Fetch(context.Background(), youtubeTarget("dQw4w9WgXcQ"), extract.ExtractorFunc(
			func(context.Context, extract.Target) (int64, error) {
				calls++
				return 0, &metric.ElementNotFoundError{Locator: "#count", Timeout: time.Second}
			}))

		if calls != max+1 {
			t.Errorf("max=%d: calls = %d, want %d", max, calls, max+1)
		}
		if res.OK() || res.Failure.Class != metric.Transient {
			t.Errorf("max=%d: failure = %+v, want transient", max, res.Failure)
		}
		if res.Attempts != max+1 || res.Failure.Attempts != max+1 {
			t.Errorf("max=%d: attempts = %d", max, res.Attempts)
		}
		if len(rs.waits) != max {
			t.Errorf("max=%d: sleeps = %d, want %d", max, len(rs.waits), max)
		}
	}
}

func TestFetch_InvalidIdentifierNoAttempt(t *testing.T) {
	calls := 0
	f := New(WithLogger(quiet()))
	ex := extract.ExtractorFunc(func(context.Context, extract.Target) (int64, error) {
		calls++
		return 1, nil
	})

	for _, id := range []string{"dQw4w9WgXc", "short", ""} {
		res := f.Fetch(context.Background(), youtubeTarget(id), ex)
		if res.OK() {
			t.Fatalf("id %q: expected failure", id)
		}
		if res.Failure.Class != metric.Permanent || res.Attempts != 0 {
			t.Errorf("id %q: class=%s attempts=%d", id, res.Failure.Class, res.Attempts)
		}
	}
	if calls != 0 {
		t.Errorf("extractor called %d times, want 0", calls)
	}
}

func TestFetch_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	f := New(WithMaxRetries(5), WithSleep((&recordedSleep{}).sleep), WithLogger(quiet()))
	res := f.Fetch(context.Background(), youtubeTarget("dQw4w9WgXcQ"), extract.ExtractorFunc(
		func(context.Context, extract.Target) (int64, error) {
			calls++
			return 0, &metric.HTTPError{StatusCode: 404}
		}))
	if calls != 1 || res.Failure == nil || res.Failure.Class != metric.Permanent {
		t.Errorf("calls=%d failure=%+v", calls, res.Failure)
	}
}

func TestFetch_FatalStopsImmediately(t *testing.T) {
	calls := 0
	f := New(WithMaxRetries(5), WithSleep((&recordedSleep{}).sleep), WithLogger(quiet()))
	res := f.Fetch(context.Background(), youtubeTarget("dQw4w9WgXcQ"), extract.ExtractorFunc(
		func(context.Context, extract.Target) (int64, error) {
			calls++
			return 0, &metric.FatalError{Err: metric.ErrBrowserCrashed}
		}))
	if calls != 1 || res.Failure.Class != metric.Fatal {
		t.Errorf("calls=%d failure=%+v", calls, res.Failure)
	}
	if !errors.Is(res.Failure, metric.ErrBrowserCrashed) {
		t.Errorf("failure does not unwrap to ErrBrowserCrashed: %v", res.Failure)
	}
}

func TestFetch_RetryAfter(t *testing.T) {
	rs := &recordedSleep{}
	calls := 0
	f := New(WithMaxRetries(3), WithDelay(time.Second), WithSleep(rs.sleep), WithLogger(quiet()))
	res := f.Fetch(context.Background(), youtubeTarget("dQw4w9WgXcQ"), extract.ExtractorFunc(
		func(context.Context, extract.Target) (int64, error) {
			calls++
			if calls == 1 {
				return 0, &metric.HTTPError{StatusCode: 429, RetryAfter: 5 * time.Second}
			}
			return 42, nil
		}))
	if !res.OK() || res.Value != 42 || res.Attempts != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(rs.waits) != 1 || rs.waits[0] < 5*time.Second {
		t.Errorf("waits = %v, want one wait >= 5s", rs.waits)
	}
}

func TestFetch_ZeroIsValid(t *testing.T) {
	f := New(WithLogger(quiet()))
	res := f.Fetch(context.Background(), youtubeTarget("dQw4w9WgXcQ"), extract.ExtractorFunc(
		func(context.Context, extract.Target) (int64, error) { return 0, nil }))
	if !res.OK() || res.Value != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestFetch_ExtractorPanic(t *testing.T) {
	f := New(WithMaxRetries(1), WithSleep((&recordedSleep{}).sleep), WithLogger(quiet()))
	res := f.Fetch(context.Background(), youtubeTarget("dQw4w9WgXcQ"), extract.ExtractorFunc(
		func(context.Context, extract.Target) (int64, error) { panic("boom") }))
	if res.OK() || res.Attempts != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestFetch_CancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := New(WithMaxRetries(3), WithDelay(time.Hour), WithLogger(quiet()))
	res := f.Fetch(ctx, youtubeTarget("dQw4w9WgXcQ"), extract.ExtractorFunc(
		func(context.Context, extract.Target) (int64, error) {
			cancel()
			return 0, &metric.NavigationError{URL: "u", Err: errors.New("timeout")}
		}))
	if res.OK() || res.Failure.Class != metric.Fatal || res.Attempts != 1 {
		t.Errorf("result = %+v", res.Failure)
	}
}
