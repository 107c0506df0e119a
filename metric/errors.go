package metric

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class partitions failures by how the engine reacts to them.
type Class int

const (
	// Transient failures are retried up to a bound.
	Transient Class = iota
	// Permanent failures end the entity's fetch immediately.
	Permanent
	// Fatal failures abort the whole run.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// MarshalText renders the class name in JSON reports.
func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText parses a class name written by MarshalText.
func (c *Class) UnmarshalText(b []byte) error {
	switch string(b) {
	case "transient":
		*c = Transient
	case "permanent":
		*c = Permanent
	case "fatal":
		*c = Fatal
	default:
		return fmt.Errorf("metric: unknown failure class %q", b)
	}
	return nil
}

var (
	// ErrBrowserCrashed reports that the browser process is gone.
	ErrBrowserCrashed = errors.New("metric: browser process is not reachable")

	// ErrMissingIdentifier reports an entity without the identifier a source needs.
	ErrMissingIdentifier = errors.New("metric: missing external identifier")

	// ErrNoLocator reports a page-based extraction for a source whose count
	// is only available through its API.
	ErrNoLocator = errors.New("metric: source has no page locator")
)

// NavigationError is returned when a page cannot be loaded within the
// driver-level timeout.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ElementNotFoundError is returned when the metric element did not appear
// within the extraction wait.
type ElementNotFoundError struct {
	Locator string
	Timeout time.Duration
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element %q not found within %s", e.Locator, e.Timeout)
}

// StaleReferenceError is returned when a located element was detached
// before its text could be read.
type StaleReferenceError struct {
	Err error
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale element reference: %v", e.Err)
}

func (e *StaleReferenceError) Unwrap() error { return e.Err }

// ParseError is returned when the raw text holds no integer.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse count from %q", e.Raw)
}

// InvalidIdentifierError is returned before any fetch when an external
// identifier has the wrong shape.
type InvalidIdentifierError struct {
	Source Source
	ID     string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid %s identifier %q: %s", e.Source, e.ID, e.Reason)
}

// HTTPError is a non-2xx answer from a REST endpoint or a static page.
type HTTPError struct {
	StatusCode int
	URL        string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("http %d from %s (retry after %s)", e.StatusCode, e.URL, e.RetryAfter)
	}
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// MalformedResponseError is returned when a payload lacks the expected field
// or cannot be decoded.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// FatalError marks an error that must abort the run.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// Classify maps an error to its failure class. Unknown errors are treated
// as transient so they consume retries instead of silently succeeding.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var fatal *FatalError
	if errors.As(err, &fatal) ||
		errors.Is(err, ErrBrowserCrashed) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.Canceled) {
		return Fatal
	}

	var (
		invalid   *InvalidIdentifierError
		parse     *ParseError
		malformed *MalformedResponseError
		httpErr   *HTTPError
	)
	switch {
	case errors.As(err, &invalid), errors.Is(err, ErrMissingIdentifier), errors.Is(err, ErrNoLocator):
		return Permanent
	case errors.As(err, &parse), errors.As(err, &malformed):
		return Permanent
	case errors.As(err, &httpErr):
		return classifyStatus(httpErr.StatusCode)
	}
	return Transient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return Transient
	case code == http.StatusRequestTimeout:
		return Transient
	case code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	}
	return Permanent
}

// RetryAfter returns the server-suggested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return httpErr.RetryAfter
	}
	return 0
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool { return err != nil && Classify(err) == Fatal }

// ParseRetryAfter decodes a Retry-After header given either as seconds or
// as an HTTP date. Unparsable or past values yield 0.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
