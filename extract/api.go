package extract

import (
	"context"
	"fmt"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// CountFunc returns the metric value for an external identifier through a
// platform API.
type CountFunc func(ctx context.Context, id string) (int64, error)

// APIExtractor reads counts from a REST API instead of a page.
type APIExtractor struct {
	strategy Strategy
	count    CountFunc
}

// NewAPIExtractor binds a platform call to strategy.
func NewAPIExtractor(strategy Strategy, count CountFunc) *APIExtractor {
	return &APIExtractor{strategy: strategy, count: count}
}

// Extract calls the API with t's external identifier.
func (x *APIExtractor) Extract(ctx context.Context, t Target) (int64, error) {
	v, err := x.count(ctx, t.ExternalID)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, &metric.MalformedResponseError{Err: fmt.Errorf("%s: negative count %d", x.strategy.Source, v)}
	}
	return v, nil
}
