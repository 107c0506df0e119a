package extract

import (
	"context"
	"fmt"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Target is one (entity, source) pair to fetch.
type Target struct {
	Entity     metric.Entity
	Source     metric.Source
	ExternalID string
	URL        string
}

// NewTarget binds an entity to a source. The identifier is not validated
// here; the fetcher validates before any attempt.
func NewTarget(e metric.Entity, src metric.Source) Target {
	t := Target{Entity: e, Source: src, ExternalID: e.ExternalID(src)}
	if s, err := Lookup(src); err == nil && t.ExternalID != "" {
		t.URL = s.URL(t.ExternalID)
	}
	return t
}

// Key identifies the target within a run.
func (t Target) Key() string {
	return fmt.Sprintf("%s/%s/%d", t.Source, t.Entity.Kind, t.Entity.ID)
}

// Extractor performs one extraction attempt.
type Extractor interface {
	Extract(ctx context.Context, t Target) (int64, error)
}

// Preparer is implemented by extractors that can warm a whole batch before
// the first Extract call, e.g. by opening every page of the batch up front.
// Release must be called once per Prepare, after the batch is done.
type Preparer interface {
	Prepare(ctx context.Context, targets []Target)
	Release(targets []Target)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, t Target) (int64, error)

func (f ExtractorFunc) Extract(ctx context.Context, t Target) (int64, error) { return f(ctx, t) }
