// CLAUDE:SUMMARY Drives one collection run: contiguous batches, page warm-up, bounded worker pool, immediate recording, skip/fail accounting, fatal abort.
// Package schedule runs a collection for one source over a list of
// entities. Entities are split into contiguous batches; every batch is
// prepared (pages opened), fetched by a bounded pool of workers, and
// released before the next batch starts. Each success is recorded before
// its worker picks up the next entity.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/dedup"
	"github.com/JeanSilva08/data-flow-pipeline/extract"
	"github.com/JeanSilva08/data-flow-pipeline/fetch"
	"github.com/JeanSilva08/data-flow-pipeline/idgen"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Recorder appends one observation. Implementations must not update or
// delete earlier observations.
type Recorder interface {
	Record(ctx context.Context, o metric.Observation) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, o metric.Observation) error

func (f RecorderFunc) Record(ctx context.Context, o metric.Observation) error { return f(ctx, o) }

// Config configures the scheduler.
type Config struct {
	// BatchSize is the number of entities prepared together. Default: 5.
	BatchSize int
	// Workers bounds concurrent fetches inside a batch. Default: 1.
	Workers int
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Workers > c.BatchSize {
		c.Workers = c.BatchSize
	}
}

// Scheduler runs collections.
type Scheduler struct {
	cfg      Config
	fetcher  *fetch.Fetcher
	recorder Recorder
	guard    dedup.Guard
	runIDs   idgen.Generator
	obsIDs   idgen.Generator
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGuard replaces the in-process dedup guard, e.g. with dedup.Redis.
func WithGuard(g dedup.Guard) Option { return func(s *Scheduler) { s.guard = g } }

// WithRunIDs sets the run ID generator.
func WithRunIDs(g idgen.Generator) Option { return func(s *Scheduler) { s.runIDs = g } }

// WithObservationIDs sets the observation ID generator.
func WithObservationIDs(g idgen.Generator) Option { return func(s *Scheduler) { s.obsIDs = g } }

// WithClock sets the time source stamped on observations.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates a Scheduler.
func New(cfg Config, fetcher *fetch.Fetcher, recorder Recorder, opts ...Option) *Scheduler {
	cfg.defaults()
	if fetcher == nil {
		fetcher = fetch.New()
	}
	s := &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		recorder: recorder,
		guard:    dedup.NewMemory(),
		runIDs:   idgen.Run,
		obsIDs:   idgen.Observation,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// run holds the mutable state of one Run call.
type run struct {
	mu     sync.Mutex
	report metric.RunReport
	fatal  error
}

func (r *run) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal != nil
}

func (r *run) abort(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
}

// Run collects src for every entity using ex. Entities of the wrong kind or
// without the needed identifier are skipped as permanent failures.
//
// Cancelling ctx stops the run before the next batch; fetches already
// started complete. A fatal failure stops dispatch; workers already running
// finish and their values are recorded. In both cases the returned error is
// non-nil and the report is marked aborted.
func (s *Scheduler) Run(ctx context.Context, src metric.Source, ex extract.Extractor, entities []metric.Entity) (metric.RunReport, error) {
	r := &run{report: metric.RunReport{
		RunID:     s.runIDs(),
		Source:    src,
		StartedAt: s.now().UTC(),
	}}
	log := s.logger.With("run_id", r.report.RunID, "source", src)
	log.InfoContext(ctx, "collection started",
		"entities", len(entities),
		"batch_size", s.cfg.BatchSize,
		"workers", s.cfg.Workers,
		"max_retries", s.fetcher.MaxRetries())

	// Fetches and writes outlive a cancelled ctx: the unit of cancellation
	// is the batch.
	work := context.WithoutCancel(ctx)

	targets := make([]extract.Target, 0, len(entities))
	for _, e := range entities {
		if e.Kind != src.Kind() {
			s.skip(work, log, r, extract.Target{Entity: e, Source: src}, &fetch.Failure{
				Class: metric.Permanent,
				Err:   fmt.Errorf("%s is measured on %s entities, got %s", src, src.Kind(), e.Kind),
			})
			continue
		}
		targets = append(targets, extract.NewTarget(e, src))
	}

	for start := 0; start < len(targets); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(targets))
		if err := ctx.Err(); err != nil {
			r.abort(err)
		}
		if r.aborted() {
			s.unprocessed(r, len(targets)-start)
			break
		}
		s.batch(work, log, r, ex, targets[start:end])
		if r.aborted() {
			s.unprocessed(r, len(targets)-end)
			break
		}
	}

	// Every worker has returned; the run's claims are no longer needed.
	if err := s.guard.Release(work, r.report.RunID); err != nil {
		log.WarnContext(ctx, "dedup release failed", "error", err)
	}

	rep := r.report
	rep.FinishedAt = s.now().UTC()
	sort.Slice(rep.Skips, func(i, j int) bool {
		if rep.Skips[i].Kind != rep.Skips[j].Kind {
			return rep.Skips[i].Kind < rep.Skips[j].Kind
		}
		return rep.Skips[i].EntityID < rep.Skips[j].EntityID
	})

	var err error
	if r.fatal != nil {
		rep.Aborted = true
		rep.Err = r.fatal.Error()
		err = fmt.Errorf("schedule: run %s aborted: %w", rep.RunID, r.fatal)
		log.ErrorContext(ctx, "collection aborted",
			"succeeded", rep.Succeeded, "skipped", rep.Skipped, "failed", rep.Failed, "error", r.fatal)
	} else {
		log.InfoContext(ctx, "collection finished",
			"succeeded", rep.Succeeded, "skipped", rep.Skipped, "failed", rep.Failed,
			"duration_ms", rep.FinishedAt.Sub(rep.StartedAt).Milliseconds())
	}
	return rep, err
}

// batch prepares, fetches and releases one contiguous group of targets.
func (s *Scheduler) batch(ctx context.Context, log *slog.Logger, r *run, ex extract.Extractor, targets []extract.Target) {
	if p, ok := ex.(extract.Preparer); ok {
		p.Prepare(ctx, targets)
		defer p.Release(targets)
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup

	for i, t := range targets {
		sem <- struct{}{}
		if r.aborted() {
			<-sem
			s.unprocessed(r, len(targets)-i)
			break
		}
		wg.Add(1)
		go func(t extract.Target) {
			defer wg.Done()
			defer func() { <-sem }()
			s.one(ctx, log, r, ex, t)
		}(t)
	}
	wg.Wait()
}

// one fetches and records a single target.
func (s *Scheduler) one(ctx context.Context, log *slog.Logger, r *run, ex extract.Extractor, t extract.Target) {
	res := s.fetcher.Fetch(ctx, t, ex)
	if !res.OK() {
		if res.Failure.Class == metric.Fatal {
			log.ErrorContext(ctx, "fatal fetch failure",
				"entity_id", t.Entity.ID, "kind", t.Entity.Kind, "error", res.Failure.Err)
			r.abort(res.Failure.Err)
			s.unprocessed(r, 1)
			return
		}
		s.skip(ctx, log, r, t, res.Failure)
		return
	}

	claimed, err := s.guard.Claim(ctx, r.report.RunID, t.Key())
	if err != nil {
		log.WarnContext(ctx, "dedup claim failed, recording anyway", "entity_id", t.Entity.ID, "error", err)
		claimed = true
	}
	if !claimed {
		s.skip(ctx, log, r, t, &fetch.Failure{
			Class:    metric.Permanent,
			Attempts: res.Attempts,
			Err:      errors.New("already recorded in this run"),
		})
		return
	}

	o := metric.Observation{
		ID:        s.obsIDs(),
		RunID:     r.report.RunID,
		Kind:      t.Entity.Kind,
		EntityID:  t.Entity.ID,
		Source:    t.Source,
		Value:     res.Value,
		ScrapedAt: s.now().UTC(),
	}
	if err := s.recorder.Record(ctx, o); err != nil {
		if ferr := s.guard.Forget(ctx, r.report.RunID, t.Key()); ferr != nil {
			log.WarnContext(ctx, "dedup forget failed", "entity_id", t.Entity.ID, "error", ferr)
		}
		log.ErrorContext(ctx, "record observation failed",
			"entity_id", t.Entity.ID, "kind", t.Entity.Kind, "value", res.Value, "error", err)
		if metric.IsFatal(err) {
			r.abort(err)
		}
		r.mu.Lock()
		r.report.Failed++
		r.mu.Unlock()
		return
	}

	log.DebugContext(ctx, "observation recorded",
		"entity_id", t.Entity.ID, "value", res.Value, "attempts", res.Attempts)
	r.mu.Lock()
	r.report.Succeeded++
	r.mu.Unlock()
}

func (s *Scheduler) skip(ctx context.Context, log *slog.Logger, r *run, t extract.Target, f *fetch.Failure) {
	log.WarnContext(ctx, "entity skipped",
		"entity_id", t.Entity.ID,
		"kind", t.Entity.Kind,
		"class", f.Class,
		"attempts", f.Attempts,
		"error", f.Err)
	r.mu.Lock()
	r.report.Skipped++
	r.report.Skips = append(r.report.Skips, metric.Skip{
		Kind:     t.Entity.Kind,
		EntityID: t.Entity.ID,
		Class:    f.Class,
		Attempts: f.Attempts,
		Reason:   f.Err.Error(),
	})
	r.mu.Unlock()
}

func (s *Scheduler) unprocessed(r *run, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.report.Failed += n
	r.mu.Unlock()
}
