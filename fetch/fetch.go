// CLAUDE:SUMMARY Bounded retry loop around one extraction: validate id, attempt, classify, sleep delay or Retry-After, return a typed Result.
// Package fetch runs one (entity, source) extraction to completion or
// exhaustion. A Fetcher never panics and never returns a raw error: every
// outcome is a Result carrying either a value or a classified Failure.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/extract"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Defaults used when no option overrides them.
const (
	DefaultMaxRetries = 3
	DefaultDelay      = 5 * time.Second
)

// Result is the terminal outcome of one Fetch call.
type Result struct {
	Target   extract.Target
	Value    int64
	Attempts int
	Failure  *Failure
}

// OK reports whether a value was obtained.
func (r Result) OK() bool { return r.Failure == nil }

// Failure describes why a target produced no value.
type Failure struct {
	Class    metric.Class
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", f.Class, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Fetcher wraps an Extractor with bounded retry-with-delay.
type Fetcher struct {
	maxRetries int
	delay      time.Duration
	logger     *slog.Logger
	sleep      SleepFunc
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxRetries sets how many retries follow the first attempt.
// Negative values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		if n < 0 {
			n = 0
		}
		f.maxRetries = n
	}
}

// WithDelay sets the fixed pause between attempts.
func WithDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.delay = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithSleep replaces the timer-based sleep, mostly for tests.
func WithSleep(s SleepFunc) Option {
	return func(f *Fetcher) { f.sleep = s }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		maxRetries: DefaultMaxRetries,
		delay:      DefaultDelay,
		logger:     slog.Default(),
		sleep:      sleep,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// MaxRetries returns the configured retry bound.
func (f *Fetcher) MaxRetries() int { return f.maxRetries }

// Fetch validates the target's identifier, then calls ex until it yields a
// value, fails permanently or fatally, or maxRetries+1 attempts are spent.
func (f *Fetcher) Fetch(ctx context.Context, t extract.Target, ex extract.Extractor) Result {
	res := Result{Target: t}

	if err := validate(t); err != nil {
		res.Failure = &Failure{Class: metric.Classify(err), Err: err}
		return res
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		res.Attempts++
		v, err := f.attempt(ctx, t, ex)
		if err == nil {
			res.Value = v
			return res
		}
		lastErr = err

		class := metric.Classify(err)
		if class != metric.Transient {
			res.Failure = &Failure{Class: class, Attempts: res.Attempts, Err: err}
			return res
		}
		if attempt == f.maxRetries {
			break
		}

		wait := f.delay
		if ra := metric.RetryAfter(err); ra > 0 {
			wait = ra
		}
		f.logger.WarnContext(ctx, "retrying fetch",
			"source", t.Source,
			"entity_id", t.Entity.ID,
			"attempt", attempt+1,
			"max_retries", f.maxRetries,
			"backoff_ms", wait.Milliseconds(),
			"error", err)
		if err := f.sleep(ctx, wait); err != nil {
			res.Failure = &Failure{Class: metric.Fatal, Attempts: res.Attempts, Err: err}
			return res
		}
	}

	res.Failure = &Failure{Class: metric.Transient, Attempts: res.Attempts, Err: lastErr}
	return res
}

// attempt runs one extraction, converting a panic in the extractor into an
// error so one bad page cannot take down the run.
func (f *Fetcher) attempt(ctx context.Context, t extract.Target, ex extract.Extractor) (v int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch: extractor panic: %v", r)
		}
	}()
	return ex.Extract(ctx, t)
}

func validate(t extract.Target) error {
	s, err := extract.Lookup(t.Source)
	if err != nil {
		return &metric.InvalidIdentifierError{Source: t.Source, ID: t.ExternalID, Reason: err.Error()}
	}
	return s.Validate(t.ExternalID)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
