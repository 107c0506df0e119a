// Package pgstore is the Postgres implementation of store.Backend, used
// when the catalogue lives in a shared server database.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
	"github.com/JeanSilva08/data-flow-pipeline/store"
)

// Schema mirrors store.Schema with Postgres types.
const Schema = `
CREATE TABLE IF NOT EXISTS artists (
	id            BIGINT PRIMARY KEY,
	name          TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	record_label  TEXT NOT NULL DEFAULT '',
	spotify_id    TEXT NOT NULL DEFAULT '',
	youtube_id    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS songs (
	id               BIGINT PRIMARY KEY,
	artist_id        BIGINT NOT NULL REFERENCES artists(id),
	name             TEXT NOT NULL,
	spotify_id       TEXT NOT NULL DEFAULT '',
	spotify_url      TEXT NOT NULL DEFAULT '',
	youtube_id       TEXT NOT NULL DEFAULT '',
	youtube_music_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_songs_artist ON songs(artist_id);

CREATE TABLE IF NOT EXISTS metric_observations (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL DEFAULT '',
	entity_kind TEXT NOT NULL CHECK (entity_kind IN ('artist', 'song')),
	entity_id   BIGINT NOT NULL,
	source      TEXT NOT NULL,
	value       BIGINT NOT NULL CHECK (value >= 0),
	scraped_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_latest
	ON metric_observations(entity_kind, entity_id, source, scraped_at DESC, id DESC);

CREATE OR REPLACE FUNCTION metric_observations_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'metric_observations is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS metric_observations_append_only ON metric_observations;
CREATE TRIGGER metric_observations_append_only
	BEFORE UPDATE OR DELETE ON metric_observations
	FOR EACH ROW EXECUTE FUNCTION metric_observations_append_only();

CREATE TABLE IF NOT EXISTS metric_snapshots (
	entity_kind               TEXT NOT NULL,
	entity_id                 BIGINT NOT NULL,
	spotify_streams           BIGINT,
	spotify_monthly_listeners BIGINT,
	youtube_views             BIGINT,
	youtube_music_views       BIGINT,
	spotify_followers         BIGINT,
	updated_at                TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_kind, entity_id)
);

CREATE TABLE IF NOT EXISTS media_kit (
	artist_id                 BIGINT PRIMARY KEY,
	artist_name               TEXT NOT NULL,
	category                  TEXT NOT NULL DEFAULT '',
	record_label              TEXT NOT NULL DEFAULT '',
	spotify_streams           BIGINT,
	spotify_monthly_listeners BIGINT,
	spotify_followers         BIGINT,
	youtube_views             BIGINT,
	youtube_music_views       BIGINT,
	updated_at                TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS collection_runs (
	run_id      TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	aborted     BOOLEAN NOT NULL DEFAULT FALSE,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	skips       TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON collection_runs(started_at);
`

// Store is the Postgres Backend.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Backend = (*Store)(nil)

// Open connects to dsn, verifies the connection and applies Schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	logger.Info("pgstore: connected", "host", cfg.ConnConfig.Host, "db", cfg.ConnConfig.Database)
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// wrap marks connection-level failures as fatal so a lost database aborts
// the run instead of failing every remaining write.
func wrap(op string, err error) error {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, pgx.ErrTxClosed) {
		return &metric.FatalError{Err: fmt.Errorf("pgstore: %s: %w", op, err)}
	}
	return fmt.Errorf("pgstore: %s: %w", op, err)
}

// Entities returns the catalogue entities src is measured on.
func (s *Store) Entities(ctx context.Context, src metric.Source) ([]metric.Entity, error) {
	if src.Kind() == metric.KindArtist {
		artists, err := s.Artists(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]metric.Entity, 0, len(artists))
		for _, a := range artists {
			out = append(out, store.ArtistEntity(a))
		}
		return out, nil
	}
	return s.Songs(ctx)
}

func (s *Store) Artists(ctx context.Context) ([]metric.Artist, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, category, record_label, spotify_id, youtube_id FROM artists ORDER BY id`)
	if err != nil {
		return nil, wrap("artists", err)
	}
	defer rows.Close()

	var out []metric.Artist
	for rows.Next() {
		var a metric.Artist
		if err := rows.Scan(&a.ID, &a.Name, &a.Category, &a.RecordLabel, &a.SpotifyID, &a.YouTubeID); err != nil {
			return nil, wrap("scan artist", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Songs(ctx context.Context) ([]metric.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, artist_id, name, spotify_id, spotify_url, youtube_id, youtube_music_id
		FROM songs ORDER BY id`)
	if err != nil {
		return nil, wrap("songs", err)
	}
	defer rows.Close()

	var out []metric.Entity
	for rows.Next() {
		e := metric.Entity{Kind: metric.KindSong}
		if err := rows.Scan(&e.ID, &e.ArtistID, &e.Name, &e.SpotifyID, &e.SpotifyURL, &e.YouTubeID, &e.YouTubeMusicID); err != nil {
			return nil, wrap("scan song", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PutArtist(ctx context.Context, a metric.Artist) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artists (id, name, category, record_label, spotify_id, youtube_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category,
			record_label = EXCLUDED.record_label, spotify_id = EXCLUDED.spotify_id,
			youtube_id = EXCLUDED.youtube_id`,
		a.ID, a.Name, a.Category, a.RecordLabel, a.SpotifyID, a.YouTubeID)
	if err != nil {
		return wrap(fmt.Sprintf("put artist %d", a.ID), err)
	}
	return nil
}

func (s *Store) PutSong(ctx context.Context, e metric.Entity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO songs (id, artist_id, name, spotify_id, spotify_url, youtube_id, youtube_music_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			artist_id = EXCLUDED.artist_id, name = EXCLUDED.name,
			spotify_id = EXCLUDED.spotify_id, spotify_url = EXCLUDED.spotify_url,
			youtube_id = EXCLUDED.youtube_id, youtube_music_id = EXCLUDED.youtube_music_id`,
		e.ID, e.ArtistID, e.Name, e.SpotifyID, e.SpotifyURL, e.YouTubeID, e.YouTubeMusicID)
	if err != nil {
		return wrap(fmt.Sprintf("put song %d", e.ID), err)
	}
	return nil
}

// Record appends one observation.
func (s *Store) Record(ctx context.Context, o metric.Observation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("pgstore: record: %w", err)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metric_observations (id, run_id, entity_kind, entity_id, source, value, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.RunID, string(o.Kind), o.EntityID, string(o.Source), o.Value, o.ScrapedAt)
	if err != nil {
		return wrap(fmt.Sprintf("record %s/%s/%d", o.Source, o.Kind, o.EntityID), err)
	}
	return nil
}

const observationCols = `id, run_id, entity_kind, entity_id, source, value, scraped_at`

func (s *Store) Observations(ctx context.Context, kind metric.Kind, entityID int64, src metric.Source) ([]metric.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationCols+` FROM metric_observations
		WHERE entity_kind = $1 AND entity_id = $2 AND source = $3
		ORDER BY scraped_at, id`, string(kind), entityID, string(src))
	if err != nil {
		return nil, wrap("observations", err)
	}
	return scanObservations(rows)
}

// LatestObservations uses DISTINCT ON to pick the newest row per
// (entity, source); ties go to the greater id.
func (s *Store) LatestObservations(ctx context.Context) ([]metric.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (entity_kind, entity_id, source) `+observationCols+`
		FROM metric_observations
		ORDER BY entity_kind, entity_id, source, scraped_at DESC, id DESC`)
	if err != nil {
		return nil, wrap("latest observations", err)
	}
	return scanObservations(rows)
}

func scanObservations(rows pgx.Rows) ([]metric.Observation, error) {
	defer rows.Close()
	var out []metric.Observation
	for rows.Next() {
		var (
			o         metric.Observation
			kind, src string
		)
		if err := rows.Scan(&o.ID, &o.RunID, &kind, &o.EntityID, &src, &o.Value, &o.ScrapedAt); err != nil {
			return nil, wrap("scan observation", err)
		}
		o.Kind = metric.Kind(kind)
		o.Source = metric.Source(src)
		o.ScrapedAt = o.ScrapedAt.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertSnapshots writes all rows in one transaction; nil columns keep the
// stored value.
func (s *Store) UpsertSnapshots(ctx context.Context, snaps []metric.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	const q = `INSERT INTO metric_snapshots (entity_kind, entity_id,
			spotify_streams, spotify_monthly_listeners, youtube_views,
			youtube_music_views, spotify_followers, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_kind, entity_id) DO UPDATE SET
			spotify_streams = COALESCE(EXCLUDED.spotify_streams, metric_snapshots.spotify_streams),
			spotify_monthly_listeners = COALESCE(EXCLUDED.spotify_monthly_listeners, metric_snapshots.spotify_monthly_listeners),
			youtube_views = COALESCE(EXCLUDED.youtube_views, metric_snapshots.youtube_views),
			youtube_music_views = COALESCE(EXCLUDED.youtube_music_views, metric_snapshots.youtube_music_views),
			spotify_followers = COALESCE(EXCLUDED.spotify_followers, metric_snapshots.spotify_followers),
			updated_at = EXCLUDED.updated_at`

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, sn := range snaps {
			batch.Queue(q, string(sn.Kind), sn.EntityID,
				sn.SpotifyStreams, sn.SpotifyMonthlyListeners, sn.YouTubeViews,
				sn.YouTubeMusicViews, sn.SpotifyFollowers, sn.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return wrap("upsert snapshots", err)
		}
		return nil
	})
}

func (s *Store) Snapshots(ctx context.Context) ([]metric.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_kind, entity_id, spotify_streams, spotify_monthly_listeners,
			youtube_views, youtube_music_views, spotify_followers, updated_at
		FROM metric_snapshots ORDER BY entity_kind, entity_id`)
	if err != nil {
		return nil, wrap("snapshots", err)
	}
	defer rows.Close()

	var out []metric.Snapshot
	for rows.Next() {
		var (
			sn   metric.Snapshot
			kind string
		)
		if err := rows.Scan(&kind, &sn.EntityID, &sn.SpotifyStreams, &sn.SpotifyMonthlyListeners,
			&sn.YouTubeViews, &sn.YouTubeMusicViews, &sn.SpotifyFollowers, &sn.UpdatedAt); err != nil {
			return nil, wrap("scan snapshot", err)
		}
		sn.Kind = metric.Kind(kind)
		sn.UpdatedAt = sn.UpdatedAt.UTC()
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMediaKit(ctx context.Context, kits []metric.MediaKit) error {
	if len(kits) == 0 {
		return nil
	}
	const q = `INSERT INTO media_kit (artist_id, artist_name, category, record_label,
			spotify_streams, spotify_monthly_listeners, spotify_followers,
			youtube_views, youtube_music_views, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (artist_id) DO UPDATE SET
			artist_name = EXCLUDED.artist_name,
			category = EXCLUDED.category,
			record_label = EXCLUDED.record_label,
			spotify_streams = EXCLUDED.spotify_streams,
			spotify_monthly_listeners = EXCLUDED.spotify_monthly_listeners,
			spotify_followers = EXCLUDED.spotify_followers,
			youtube_views = EXCLUDED.youtube_views,
			youtube_music_views = EXCLUDED.youtube_music_views,
			updated_at = EXCLUDED.updated_at`

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, k := range kits {
			batch.Queue(q, k.ArtistID, k.ArtistName, k.Category, k.RecordLabel,
				k.SpotifyStreams, k.SpotifyMonthlyListeners, k.SpotifyFollowers,
				k.YouTubeViews, k.YouTubeMusicViews, k.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return wrap("upsert media kit", err)
		}
		return nil
	})
}

func (s *Store) MediaKit(ctx context.Context) ([]metric.MediaKit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT artist_id, artist_name, category, record_label,
			spotify_streams, spotify_monthly_listeners, spotify_followers,
			youtube_views, youtube_music_views, updated_at
		FROM media_kit ORDER BY artist_id`)
	if err != nil {
		return nil, wrap("media kit", err)
	}
	defer rows.Close()

	var out []metric.MediaKit
	for rows.Next() {
		var k metric.MediaKit
		if err := rows.Scan(&k.ArtistID, &k.ArtistName, &k.Category, &k.RecordLabel,
			&k.SpotifyStreams, &k.SpotifyMonthlyListeners, &k.SpotifyFollowers,
			&k.YouTubeViews, &k.YouTubeMusicViews, &k.UpdatedAt); err != nil {
			return nil, wrap("scan media kit", err)
		}
		k.UpdatedAt = k.UpdatedAt.UTC()
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) SaveRun(ctx context.Context, r metric.RunReport) error {
	skips := r.Skips
	if skips == nil {
		skips = []metric.Skip{}
	}
	enc, err := json.Marshal(skips)
	if err != nil {
		return fmt.Errorf("pgstore: encode skips: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO collection_runs (run_id, source, succeeded, skipped, failed,
			aborted, error, started_at, finished_at, skips)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			succeeded = EXCLUDED.succeeded, skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed, aborted = EXCLUDED.aborted,
			error = EXCLUDED.error, finished_at = EXCLUDED.finished_at,
			skips = EXCLUDED.skips`,
		r.RunID, string(r.Source), r.Succeeded, r.Skipped, r.Failed,
		r.Aborted, r.Err, r.StartedAt, r.FinishedAt, string(enc))
	if err != nil {
		return wrap("save run "+r.RunID, err)
	}
	return nil
}

func (s *Store) Runs(ctx context.Context, limit int) ([]metric.RunReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, source, succeeded, skipped, failed, aborted, error,
			started_at, finished_at, skips
		FROM collection_runs ORDER BY started_at DESC, run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, wrap("runs", err)
	}
	defer rows.Close()

	var out []metric.RunReport
	for rows.Next() {
		var (
			r          metric.RunReport
			src, skips string
		)
		if err := rows.Scan(&r.RunID, &src, &r.Succeeded, &r.Skipped, &r.Failed,
			&r.Aborted, &r.Err, &r.StartedAt, &r.FinishedAt, &skips); err != nil {
			return nil, wrap("scan run", err)
		}
		r.Source = metric.Source(src)
		r.StartedAt = r.StartedAt.UTC()
		r.FinishedAt = r.FinishedAt.UTC()
		if err := json.Unmarshal([]byte(skips), &r.Skips); err != nil {
			return nil, fmt.Errorf("pgstore: decode skips of %s: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
