// CLAUDE:SUMMARY CLI entry point for flowctl: collect, aggregate, serve (HTTP + scheduler), mcp (stdio) and catalogue import.
// Command flowctl collects streaming metrics for the catalogue and serves
// the resulting media kit.
//
// Usage:
//
//	flowctl -config flow.yaml collect youtube_views   # one source
//	flowctl -config flow.yaml collect all             # every source, then aggregate
//	flowctl -config flow.yaml aggregate
//	flowctl -config flow.yaml serve                   # HTTP API, heartbeat, optional schedule
//	flowctl -config flow.yaml mcp                     # MCP tools over stdio
//	flowctl -config flow.yaml import catalog.yaml
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"

	"github.com/JeanSilva08/data-flow-pipeline/dbopen"
	"github.com/JeanSilva08/data-flow-pipeline/dedup"
	"github.com/JeanSilva08/data-flow-pipeline/internal/publish"
	"github.com/JeanSilva08/data-flow-pipeline/internal/search"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
	"github.com/JeanSilva08/data-flow-pipeline/observability"
	"github.com/JeanSilva08/data-flow-pipeline/pipeline"
	"github.com/JeanSilva08/data-flow-pipeline/store"
	"github.com/JeanSilva08/data-flow-pipeline/store/pgstore"
)

// worker names this process in the heartbeat table.
const worker = "flowctl"

const usage = "usage: flowctl [-config file] [-env file] collect <source|all> | aggregate | serve | mcp | import <file>"

func main() {
	configPath := flag.String("config", "", "path to flow.yaml (defaults apply when empty)")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *envPath, *configPath, flag.Args()); err != nil {
		logger.Error("flowctl: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(ctx context.Context, logger *slog.Logger, envPath, configPath string, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	if err := pipeline.LoadEnvFile(envPath); err != nil {
		return err
	}
	cfg, err := pipeline.LoadConfigFile(configPath)
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	obs, err := openObservability(cfg, logger)
	if err != nil {
		return err
	}
	defer obs.close()

	opts, closers, err := pipelineOptions(cfg, logger, obs)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	p, err := pipeline.New(*cfg, backend, opts...)
	if err != nil {
		return err
	}
	defer p.Close()

	switch args[0] {
	case "collect":
		if len(args) < 2 {
			return errors.New(usage)
		}
		return runCollect(ctx, p, args[1])
	case "aggregate":
		sum, err := p.RunAggregation(ctx)
		if err != nil {
			return err
		}
		return printJSON(sum)
	case "serve":
		return runServe(ctx, logger, cfg, p, obs)
	case "mcp":
		srv := mcp.NewServer(&mcp.Implementation{Name: "flowctl", Version: "0.1.0"}, nil)
		p.RegisterMCP(srv)
		return srv.Run(ctx, &mcp.StdioTransport{})
	case "import":
		if len(args) < 2 {
			return errors.New(usage)
		}
		return runImport(ctx, p, args[1])
	}
	return fmt.Errorf("unknown command %q\n%s", args[0], usage)
}

func openBackend(ctx context.Context, cfg *pipeline.Config, logger *slog.Logger) (store.Backend, error) {
	if cfg.Database.Driver == "postgres" {
		return pgstore.Open(ctx, cfg.PostgresDSN(), logger)
	}
	return store.Open(cfg.Database.Path)
}

// observabilityDB bundles the metrics, events and heartbeat database.
type observabilityDB struct {
	db      *sql.DB
	metrics *observability.MetricsManager
	events  *observability.EventLogger
}

func openObservability(cfg *pipeline.Config, logger *slog.Logger) (*observabilityDB, error) {
	o := cfg.Observability
	db, err := dbopen.Open(o.Path, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	logger.Info("observability enabled", "path", o.Path)
	return &observabilityDB{
		db:      db,
		metrics: observability.NewMetricsManager(db, o.BufferSize, o.FlushInterval),
		events:  observability.NewEventLogger(db, observability.WithServiceName(worker)),
	}, nil
}

func (o *observabilityDB) close() {
	o.metrics.Close()
	o.db.Close()
}

func pipelineOptions(cfg *pipeline.Config, logger *slog.Logger, obs *observabilityDB) ([]pipeline.Option, []func(), error) {
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithObservability(obs.metrics, obs.events),
		pipeline.WithHealth(pipeline.Health{
			DB:        obs.db,
			Worker:    worker,
			Staleness: 3 * cfg.Observability.HeartbeatInterval,
		}),
	}
	var closers []func()

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		guard := dedup.NewRedis(rdb, cfg.Redis.TTL)
		closers = append(closers, func() { guard.Close() })
		opts = append(opts, pipeline.WithGuard(guard))
		logger.Info("dedup: redis guard enabled", "addr", cfg.Redis.Addr)
	}

	if cfg.NATS.URL != "" {
		sink, err := publish.NewNATS(publish.NATSConfig{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		// The pipeline closes its sinks.
		opts = append(opts, pipeline.WithSink(sink))
		logger.Info("publish: nats sink enabled", "url", cfg.NATS.URL)
	}

	if cfg.Meilisearch.Host != "" {
		opts = append(opts, pipeline.WithIndexer(search.NewIndexer(search.Config{
			Host:   cfg.Meilisearch.Host,
			APIKey: cfg.Meilisearch.APIKey,
			Index:  cfg.Meilisearch.Index,
			Logger: logger,
		})))
		logger.Info("search: meilisearch indexer enabled", "host", cfg.Meilisearch.Host)
	}
	return opts, closers, nil
}

func runCollect(ctx context.Context, p *pipeline.Pipeline, name string) error {
	if name == "all" {
		reports, err := p.CollectAll(ctx)
		if perr := printJSON(reports); perr != nil {
			return perr
		}
		return err
	}
	src, err := metric.ParseSource(name)
	if err != nil {
		return err
	}
	rep, err := p.RunCollection(ctx, src)
	if rep.RunID != "" {
		if perr := printJSON(rep); perr != nil {
			return perr
		}
	}
	return err
}

func runImport(ctx context.Context, p *pipeline.Pipeline, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	artists, songs, err := p.ImportCatalog(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(map[string]int{"artists": artists, "songs": songs})
}

func runServe(ctx context.Context, logger *slog.Logger, cfg *pipeline.Config, p *pipeline.Pipeline, obs *observabilityDB) error {
	hw := observability.NewHeartbeatWriter(obs.db, worker, cfg.Observability.HeartbeatInterval)
	hw.Start(ctx)
	defer hw.Stop()

	loopDone := make(chan struct{})
	if cfg.Scheduler.Interval > 0 {
		go func() {
			defer close(loopDone)
			p.Loop(ctx, cfg.Scheduler.Interval)
		}()
		logger.Info("scheduler enabled", "interval", cfg.Scheduler.Interval)
	} else {
		close(loopDone)
	}
	defer func() { <-loopDone }()
	go retention(ctx, logger, obs, cfg.Observability.RetentionDays)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           p.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowctl: listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("flowctl: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// retention prunes the observability database once a day.
func retention(ctx context.Context, logger *slog.Logger, obs *observabilityDB, days int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		err := observability.Cleanup(ctx, obs.db, observability.RetentionConfig{
			MetricsDays:    days,
			EventLogsDays:  days,
			HeartbeatsDays: 1,
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("observability: cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
