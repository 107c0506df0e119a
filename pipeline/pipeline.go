// CLAUDE:SUMMARY Orchestrator: wires config, store, extractors, fetcher, scheduler, dedup, publish, aggregation and observability into run_collection / run_aggregation.
// Package pipeline wires the collection engine together. A Pipeline owns
// no long-lived browser: each RunCollection starts the session its source
// needs and tears it down when the run ends. RunAggregation recomputes
// snapshots and the media kit from the observation log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/aggregate"
	"github.com/JeanSilva08/data-flow-pipeline/dedup"
	"github.com/JeanSilva08/data-flow-pipeline/extract"
	"github.com/JeanSilva08/data-flow-pipeline/fetch"
	"github.com/JeanSilva08/data-flow-pipeline/internal/browser"
	"github.com/JeanSilva08/data-flow-pipeline/internal/publish"
	"github.com/JeanSilva08/data-flow-pipeline/internal/spotify"
	"github.com/JeanSilva08/data-flow-pipeline/internal/youtube"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
	"github.com/JeanSilva08/data-flow-pipeline/observability"
	"github.com/JeanSilva08/data-flow-pipeline/schedule"
	"github.com/JeanSilva08/data-flow-pipeline/store"
)

// ErrRunInProgress is returned when a collection of the same source is
// already running in this process.
var ErrRunInProgress = errors.New("pipeline: collection already running for source")

// BrowserSession is a started browser that pages can be opened in.
type BrowserSession interface {
	extract.Session
	Close() error
}

// BrowserFactory starts the browser of one collection run.
type BrowserFactory func(ctx context.Context) (BrowserSession, error)

// Pipeline runs collections and aggregations against one backend.
type Pipeline struct {
	cfg     Config
	backend store.Backend
	logger  *slog.Logger

	guard      dedup.Guard
	sinks      *publish.Router
	sinkList   []publish.Sink
	indexer    aggregate.Indexer
	metrics    *observability.MetricsManager
	events     *observability.EventLogger
	health     *Health
	newBrowser BrowserFactory
	extractors map[metric.Source]extract.Extractor
	sleep      fetch.SleepFunc
	schedOpts  []schedule.Option

	mu      sync.Mutex
	running map[metric.Source]bool
	bg      sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithGuard shares dedup claims beyond this process, e.g. dedup.Redis.
func WithGuard(g dedup.Guard) Option { return func(p *Pipeline) { p.guard = g } }

// WithSink adds a downstream consumer of recorded observations.
func WithSink(s publish.Sink) Option {
	return func(p *Pipeline) { p.sinkList = append(p.sinkList, s) }
}

// WithIndexer mirrors media-kit rows after each aggregation.
func WithIndexer(ix aggregate.Indexer) Option { return func(p *Pipeline) { p.indexer = ix } }

// WithObservability records run metrics and business events.
func WithObservability(m *observability.MetricsManager, e *observability.EventLogger) Option {
	return func(p *Pipeline) {
		p.metrics = m
		p.events = e
	}
}

// WithBrowserFactory replaces the go-rod browser used in browser mode.
func WithBrowserFactory(f BrowserFactory) Option { return func(p *Pipeline) { p.newBrowser = f } }

// WithExtractor forces the extractor of src regardless of its mode.
func WithExtractor(src metric.Source, ex extract.Extractor) Option {
	return func(p *Pipeline) { p.extractors[src] = ex }
}

// WithSleep replaces the retry sleep of every fetcher.
func WithSleep(s fetch.SleepFunc) Option { return func(p *Pipeline) { p.sleep = s } }

// WithSchedulerOptions passes options to every scheduler, e.g. ID generators.
func WithSchedulerOptions(opts ...schedule.Option) Option {
	return func(p *Pipeline) { p.schedOpts = append(p.schedOpts, opts...) }
}

// New creates a Pipeline. The backend is owned by the caller.
func New(cfg Config, backend store.Backend, opts ...Option) (*Pipeline, error) {
	if backend == nil {
		return nil, fmt.Errorf("pipeline: nil backend")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Pipeline{
		cfg:        cfg,
		backend:    backend,
		logger:     slog.Default(),
		guard:      dedup.NewMemory(),
		extractors: make(map[metric.Source]extract.Extractor),
		running:    make(map[metric.Source]bool),
	}
	for _, o := range opts {
		o(p)
	}
	if p.newBrowser == nil {
		p.newBrowser = p.startBrowser
	}
	p.sinks = publish.NewRouter(p.logger, p.sinkList...)
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Backend returns the store the pipeline writes to.
func (p *Pipeline) Backend() store.Backend { return p.backend }

func (p *Pipeline) startBrowser(ctx context.Context) (BrowserSession, error) {
	b := p.cfg.Browser
	m := browser.NewManager(browser.Config{
		RemoteURL:         b.RemoteURL,
		Bin:               b.Bin,
		Headful:           b.Headless != nil && !*b.Headless,
		NoSandbox:         b.NoSandbox,
		Stealth:           b.Stealth,
		BlockResources:    b.BlockResources,
		DisableScripts:    b.DisableScripts,
		NavigationTimeout: b.NavigationTimeout,
		Logger:            p.logger,
	})
	if err := m.Start(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (p *Pipeline) acquire(src metric.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[src] {
		return fmt.Errorf("%w %s", ErrRunInProgress, src)
	}
	p.running[src] = true
	return nil
}

func (p *Pipeline) release(src metric.Source) {
	p.mu.Lock()
	delete(p.running, src)
	p.mu.Unlock()
}

// Running lists the sources currently being collected.
func (p *Pipeline) Running() []metric.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []metric.Source
	for _, src := range metric.Sources() {
		if p.running[src] {
			out = append(out, src)
		}
	}
	return out
}

// extractor builds the extractor of src for its configured mode. The
// returned cleanup releases whatever the extractor holds.
func (p *Pipeline) extractor(ctx context.Context, src metric.Source, sc SourceConfig) (extract.Extractor, func(), error) {
	if ex, ok := p.extractors[src]; ok {
		return ex, func() {}, nil
	}
	strategy, err := extract.Lookup(src)
	if err != nil {
		return nil, nil, err
	}
	strategy = strategy.WithWaitTimeout(sc.WaitTimeout)

	switch sc.Mode {
	case ModeHTTP:
		return extract.NewHTMLExtractor(strategy), func() {}, nil

	case ModeAPI:
		count, err := p.apiCount(src)
		if err != nil {
			return nil, nil, err
		}
		return extract.NewAPIExtractor(strategy, count), func() {}, nil

	default:
		session, err := p.newBrowser(ctx)
		if err != nil {
			return nil, nil, &metric.FatalError{Err: fmt.Errorf("start browser: %w", err)}
		}
		cleanup := func() {
			if err := session.Close(); err != nil {
				p.logger.Warn("pipeline: close browser", "source", src, "error", err)
			}
		}
		return extract.NewPageExtractor(session, strategy, p.logger), cleanup, nil
	}
}

func (p *Pipeline) apiCount(src metric.Source) (extract.CountFunc, error) {
	switch src {
	case metric.SpotifyFollowers:
		if p.cfg.Spotify.ClientID == "" || p.cfg.Spotify.ClientSecret == "" {
			return nil, fmt.Errorf("pipeline: %s: SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET are required", src)
		}
		var opts []spotify.Option
		if p.cfg.Spotify.APIURL != "" && p.cfg.Spotify.TokenURL != "" {
			opts = append(opts, spotify.WithBaseURLs(p.cfg.Spotify.APIURL, p.cfg.Spotify.TokenURL))
		}
		opts = append(opts, spotify.WithLogger(p.logger))
		return spotify.New(p.cfg.Spotify.ClientID, p.cfg.Spotify.ClientSecret, opts...).ArtistFollowers, nil

	case metric.YouTubeViews, metric.YouTubeMusicViews:
		if p.cfg.YouTube.APIKey == "" {
			return nil, fmt.Errorf("pipeline: %s: YOUTUBE_API_KEY is required", src)
		}
		var opts []youtube.Option
		if p.cfg.YouTube.BaseURL != "" {
			opts = append(opts, youtube.WithBaseURL(p.cfg.YouTube.BaseURL))
		}
		return youtube.New(p.cfg.YouTube.APIKey, opts...).ViewCount, nil
	}
	return nil, fmt.Errorf("pipeline: %s has no API mode", src)
}

// record appends o to the store, then hands it to the sinks. Sink errors
// are logged by the router and never fail the write.
func (p *Pipeline) record(ctx context.Context, o metric.Observation) error {
	if err := p.backend.Record(ctx, o); err != nil {
		return err
	}
	if p.sinks.Len() > 0 {
		_ = p.sinks.Publish(ctx, o)
	}
	return nil
}

// RunCollection collects src for every catalogue entity it applies to,
// persists the run report and returns it. The error is non-nil when the
// run could not start or was aborted; the report is still meaningful in
// the latter case.
func (p *Pipeline) RunCollection(ctx context.Context, src metric.Source) (metric.RunReport, error) {
	if err := p.acquire(src); err != nil {
		return metric.RunReport{}, err
	}
	defer p.release(src)
	return p.collect(ctx, src)
}

// collect runs one collection of src. The caller holds the src slot.
func (p *Pipeline) collect(ctx context.Context, src metric.Source) (metric.RunReport, error) {
	entities, err := p.backend.Entities(ctx, src)
	if err != nil {
		return metric.RunReport{}, fmt.Errorf("pipeline: load entities: %w", err)
	}
	sc := p.cfg.Source(src)

	ex, cleanup, err := p.extractor(ctx, src, sc)
	if err != nil {
		return metric.RunReport{}, fmt.Errorf("pipeline: %s: %w", src, err)
	}
	defer cleanup()

	fopts := []fetch.Option{
		fetch.WithMaxRetries(sc.Retries()),
		fetch.WithDelay(sc.RetryDelay),
		fetch.WithLogger(p.logger),
	}
	if p.sleep != nil {
		fopts = append(fopts, fetch.WithSleep(p.sleep))
	}
	sopts := append([]schedule.Option{
		schedule.WithGuard(p.guard),
		schedule.WithLogger(p.logger),
	}, p.schedOpts...)
	sched := schedule.New(
		schedule.Config{BatchSize: sc.BatchSize, Workers: p.cfg.Scheduler.Workers},
		fetch.New(fopts...),
		schedule.RecorderFunc(p.record),
		sopts...,
	)

	if p.events != nil {
		p.events.RunStarted(ctx, src, len(entities))
	}
	report, runErr := sched.Run(ctx, src, ex, entities)

	// The report is written even when the run was cancelled.
	after := context.WithoutCancel(ctx)
	if err := p.backend.SaveRun(after, report); err != nil {
		p.logger.ErrorContext(ctx, "pipeline: save run report", "run_id", report.RunID, "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("pipeline: save run: %w", err))
	}
	if p.metrics != nil {
		p.metrics.RecordRun(report)
	}
	if p.events != nil {
		p.events.RunFinished(after, report)
	}
	return report, runErr
}

// RunAggregation recomputes snapshots and the media kit.
func (p *Pipeline) RunAggregation(ctx context.Context) (aggregate.Summary, error) {
	opts := []aggregate.Option{aggregate.WithLogger(p.logger)}
	if p.indexer != nil {
		opts = append(opts, aggregate.WithIndexer(p.indexer))
	}
	sum, err := aggregate.New(p.backend, opts...).Run(ctx)
	if p.metrics != nil && err == nil {
		p.metrics.RecordAggregation(sum.Duration, sum.Snapshots)
	}
	if p.events != nil {
		p.events.Aggregated(context.WithoutCancel(ctx), sum.Snapshots, sum.MediaKit, err)
	}
	if err != nil {
		return sum, fmt.Errorf("pipeline: aggregate: %w", err)
	}
	return sum, nil
}

// CollectAll runs every source in order, then aggregates once. A fatal
// error of one source does not prevent the others from running.
func (p *Pipeline) CollectAll(ctx context.Context) ([]metric.RunReport, error) {
	var (
		reports []metric.RunReport
		errs    []error
	)
	for _, src := range metric.Sources() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rep, err := p.RunCollection(ctx, src)
		if rep.RunID != "" {
			reports = append(reports, rep)
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "pipeline: collection failed", "source", src, "error", err)
			errs = append(errs, err)
		}
	}
	if ctx.Err() == nil {
		if _, err := p.RunAggregation(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// Start claims src and collects it in the background under ctx. It fails
// fast with ErrRunInProgress when src is already running; once Start
// returns nil the background run owns the slot.
func (p *Pipeline) Start(ctx context.Context, src metric.Source) error {
	if err := p.acquire(src); err != nil {
		return err
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer p.release(src)
		if _, err := p.collect(ctx, src); err != nil {
			p.logger.Error("pipeline: background collection", "source", src, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every background collection has returned.
func (p *Pipeline) Wait() { p.bg.Wait() }

// Close waits for background runs and closes the sinks.
func (p *Pipeline) Close() error {
	p.Wait()
	return p.sinks.Close()
}

// Loop runs CollectAll immediately, then every interval until ctx is done.
func (p *Pipeline) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.CollectAll(ctx); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "pipeline: scheduled collection finished with errors", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
