// CLAUDE:SUMMARY Output sinks for recorded observations: NATS JetStream, in-process callback and a fan-out router.
// Package publish delivers every recorded observation to downstream
// consumers. Publishing is best effort: the store is the system of record,
// so sink errors are logged by the caller and never fail a collection.
package publish

import (
	"context"
	"log/slog"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Sink is an output backend for observations.
type Sink interface {
	Publish(ctx context.Context, o metric.Observation) error
	Close() error
}

// Func adapts a function to Sink. Used to wire in-process consumers.
type Func func(ctx context.Context, o metric.Observation) error

func (f Func) Publish(ctx context.Context, o metric.Observation) error { return f(ctx, o) }
func (f Func) Close() error { return nil }

// Router fans out observations to all sinks. One sink error does not block
// the others; errors are logged and the first one is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router. Nil sinks are dropped.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{logger: logger}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Len returns the number of sinks.
func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) Publish(ctx context.Context, o metric.Observation) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Publish(ctx, o); err != nil {
			r.logger.WarnContext(ctx, "publish: observation not delivered",
				"observation_id", o.ID, "source", o.Source, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
