// CLAUDE:SUMMARY SQLite backend: catalogue reads, append-only observations, latest-per-source query, snapshot and media-kit upserts, run history.
// Package store is the embedded SQLite backend of the collection engine.
//
// The catalogue tables (artists, songs) are owned by the CRUD layer and are
// only read here, except for Put helpers used to seed local databases.
// metric_observations is append-only; metric_snapshots and media_kit are
// materialised views rewritten by the aggregator.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/dbopen"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Backend is the storage contract shared by the SQLite and Postgres stores.
type Backend interface {
	Entities(ctx context.Context, src metric.Source) ([]metric.Entity, error)
	Record(ctx context.Context, o metric.Observation) error
	Observations(ctx context.Context, kind metric.Kind, entityID int64, src metric.Source) ([]metric.Observation, error)
	LatestObservations(ctx context.Context) ([]metric.Observation, error)
	UpsertSnapshots(ctx context.Context, snaps []metric.Snapshot) error
	Snapshots(ctx context.Context) ([]metric.Snapshot, error)
	Artists(ctx context.Context) ([]metric.Artist, error)
	Songs(ctx context.Context) ([]metric.Entity, error)
	PutArtist(ctx context.Context, a metric.Artist) error
	PutSong(ctx context.Context, e metric.Entity) error
	UpsertMediaKit(ctx context.Context, rows []metric.MediaKit) error
	MediaKit(ctx context.Context) ([]metric.MediaKit, error)
	SaveRun(ctx context.Context, r metric.RunReport) error
	Runs(ctx context.Context, limit int) ([]metric.RunReport, error)
	Close() error
}

// Store is the SQLite Backend.
type Store struct {
	DB *sql.DB
}

var _ Backend = (*Store)(nil)

// Open opens (and migrates) the database at path.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{DB: db}, nil
}

// New wraps an already-migrated database.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Close closes the database.
func (s *Store) Close() error { return s.DB.Close() }

// Entities returns every catalogue entity of the kind src is measured on,
// ordered by id. Entities without the needed identifier are included.
func (s *Store) Entities(ctx context.Context, src metric.Source) ([]metric.Entity, error) {
	if src.Kind() == metric.KindArtist {
		artists, err := s.Artists(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]metric.Entity, 0, len(artists))
		for _, a := range artists {
			out = append(out, ArtistEntity(a))
		}
		return out, nil
	}
	return s.Songs(ctx)
}

// ArtistEntity converts a catalogue artist to the entity form.
func ArtistEntity(a metric.Artist) metric.Entity {
	return metric.Entity{
		Kind:      metric.KindArtist,
		ID:        a.ID,
		Name:      a.Name,
		ArtistID:  a.ID,
		SpotifyID: a.SpotifyID,
		YouTubeID: a.YouTubeID,
	}
}

// Artists lists the catalogue artists.
func (s *Store) Artists(ctx context.Context) ([]metric.Artist, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, category, record_label, spotify_id, youtube_id
		FROM artists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: artists: %w", err)
	}
	defer rows.Close()

	var out []metric.Artist
	for rows.Next() {
		var a metric.Artist
		if err := rows.Scan(&a.ID, &a.Name, &a.Category, &a.RecordLabel, &a.SpotifyID, &a.YouTubeID); err != nil {
			return nil, fmt.Errorf("store: scan artist: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Songs lists the catalogue songs as entities.
func (s *Store) Songs(ctx context.Context) ([]metric.Entity, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, artist_id, name, spotify_id, spotify_url, youtube_id, youtube_music_id
		FROM songs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: songs: %w", err)
	}
	defer rows.Close()

	var out []metric.Entity
	for rows.Next() {
		e := metric.Entity{Kind: metric.KindSong}
		if err := rows.Scan(&e.ID, &e.ArtistID, &e.Name, &e.SpotifyID, &e.SpotifyURL, &e.YouTubeID, &e.YouTubeMusicID); err != nil {
			return nil, fmt.Errorf("store: scan song: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutArtist inserts or replaces a catalogue artist.
func (s *Store) PutArtist(ctx context.Context, a metric.Artist) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO artists (id, name, category, record_label, spotify_id, youtube_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, category = excluded.category,
			record_label = excluded.record_label, spotify_id = excluded.spotify_id,
			youtube_id = excluded.youtube_id`,
		a.ID, a.Name, a.Category, a.RecordLabel, a.SpotifyID, a.YouTubeID)
	if err != nil {
		return fmt.Errorf("store: put artist %d: %w", a.ID, err)
	}
	return nil
}

// PutSong inserts or replaces a catalogue song.
func (s *Store) PutSong(ctx context.Context, e metric.Entity) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO songs (id, artist_id, name, spotify_id, spotify_url, youtube_id, youtube_music_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			artist_id = excluded.artist_id, name = excluded.name,
			spotify_id = excluded.spotify_id, spotify_url = excluded.spotify_url,
			youtube_id = excluded.youtube_id, youtube_music_id = excluded.youtube_music_id`,
		e.ID, e.ArtistID, e.Name, e.SpotifyID, e.SpotifyURL, e.YouTubeID, e.YouTubeMusicID)
	if err != nil {
		return fmt.Errorf("store: put song %d: %w", e.ID, err)
	}
	return nil
}

// Record appends one observation. Two calls produce two rows.
func (s *Store) Record(ctx context.Context, o metric.Observation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("store: record: %w", err)
	}
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO metric_observations (id, run_id, entity_kind, entity_id, source, value, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RunID, string(o.Kind), o.EntityID, string(o.Source), o.Value, toNanos(o.ScrapedAt))
	if err != nil {
		return fmt.Errorf("store: record %s/%s/%d: %w", o.Source, o.Kind, o.EntityID, err)
	}
	return nil
}

const observationCols = `id, run_id, entity_kind, entity_id, source, value, scraped_at`

// Observations returns the history of one (entity, source), oldest first.
func (s *Store) Observations(ctx context.Context, kind metric.Kind, entityID int64, src metric.Source) ([]metric.Observation, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+observationCols+` FROM metric_observations
		WHERE entity_kind = ? AND entity_id = ? AND source = ?
		ORDER BY scraped_at, id`, string(kind), entityID, string(src))
	if err != nil {
		return nil, fmt.Errorf("store: observations: %w", err)
	}
	return scanObservations(rows)
}

// LatestObservations returns, for every (entity, source) that has any
// observation, the one with the greatest scraped_at. Ties go to the greater
// id.
func (s *Store) LatestObservations(ctx context.Context) ([]metric.Observation, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+observationCols+` FROM (
			SELECT `+observationCols+`,
				ROW_NUMBER() OVER (
					PARTITION BY entity_kind, entity_id, source
					ORDER BY scraped_at DESC, id DESC
				) AS rn
			FROM metric_observations
		) WHERE rn = 1
		ORDER BY entity_kind, entity_id, source`)
	if err != nil {
		return nil, fmt.Errorf("store: latest observations: %w", err)
	}
	return scanObservations(rows)
}

func scanObservations(rows *sql.Rows) ([]metric.Observation, error) {
	defer rows.Close()
	var out []metric.Observation
	for rows.Next() {
		var (
			o        metric.Observation
			kind     string
			src      string
			scrapedN int64
		)
		if err := rows.Scan(&o.ID, &o.RunID, &kind, &o.EntityID, &src, &o.Value, &scrapedN); err != nil {
			return nil, fmt.Errorf("store: scan observation: %w", err)
		}
		o.Kind = metric.Kind(kind)
		o.Source = metric.Source(src)
		o.ScrapedAt = fromNanos(scrapedN)
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertSnapshots writes snapshot rows in one transaction. A nil column
// keeps the stored value.
func (s *Store) UpsertSnapshots(ctx context.Context, snaps []metric.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metric_snapshots (entity_kind, entity_id,
				spotify_streams, spotify_monthly_listeners, youtube_views,
				youtube_music_views, spotify_followers, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_kind, entity_id) DO UPDATE SET
				spotify_streams = COALESCE(excluded.spotify_streams, metric_snapshots.spotify_streams),
				spotify_monthly_listeners = COALESCE(excluded.spotify_monthly_listeners, metric_snapshots.spotify_monthly_listeners),
				youtube_views = COALESCE(excluded.youtube_views, metric_snapshots.youtube_views),
				youtube_music_views = COALESCE(excluded.youtube_music_views, metric_snapshots.youtube_music_views),
				spotify_followers = COALESCE(excluded.spotify_followers, metric_snapshots.spotify_followers),
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("store: prepare snapshot upsert: %w", err)
		}
		defer stmt.Close()

		for _, sn := range snaps {
			if _, err := stmt.ExecContext(ctx, string(sn.Kind), sn.EntityID,
				nullable(sn.SpotifyStreams), nullable(sn.SpotifyMonthlyListeners),
				nullable(sn.YouTubeViews), nullable(sn.YouTubeMusicViews),
				nullable(sn.SpotifyFollowers), toNanos(sn.UpdatedAt)); err != nil {
				return fmt.Errorf("store: upsert snapshot %s/%d: %w", sn.Kind, sn.EntityID, err)
			}
		}
		return nil
	})
}

// Snapshots returns every snapshot row, artists first.
func (s *Store) Snapshots(ctx context.Context) ([]metric.Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT entity_kind, entity_id, spotify_streams, spotify_monthly_listeners,
			youtube_views, youtube_music_views, spotify_followers, updated_at
		FROM metric_snapshots ORDER BY entity_kind, entity_id`)
	if err != nil {
		return nil, fmt.Errorf("store: snapshots: %w", err)
	}
	defer rows.Close()

	var out []metric.Snapshot
	for rows.Next() {
		var (
			sn                          metric.Snapshot
			kind                        string
			streams, listeners, yt, ytm sql.NullInt64
			followers                   sql.NullInt64
			updated                     int64
		)
		if err := rows.Scan(&kind, &sn.EntityID, &streams, &listeners, &yt, &ytm, &followers, &updated); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		sn.Kind = metric.Kind(kind)
		sn.SpotifyStreams = fromNull(streams)
		sn.SpotifyMonthlyListeners = fromNull(listeners)
		sn.YouTubeViews = fromNull(yt)
		sn.YouTubeMusicViews = fromNull(ytm)
		sn.SpotifyFollowers = fromNull(followers)
		sn.UpdatedAt = fromNanos(updated)
		out = append(out, sn)
	}
	return out, rows.Err()
}

// UpsertMediaKit rewrites the media-kit rows in one transaction.
func (s *Store) UpsertMediaKit(ctx context.Context, kits []metric.MediaKit) error {
	if len(kits) == 0 {
		return nil
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO media_kit (artist_id, artist_name, category, record_label,
				spotify_streams, spotify_monthly_listeners, spotify_followers,
				youtube_views, youtube_music_views, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(artist_id) DO UPDATE SET
				artist_name = excluded.artist_name,
				category = excluded.category,
				record_label = excluded.record_label,
				spotify_streams = excluded.spotify_streams,
				spotify_monthly_listeners = excluded.spotify_monthly_listeners,
				spotify_followers = excluded.spotify_followers,
				youtube_views = excluded.youtube_views,
				youtube_music_views = excluded.youtube_music_views,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("store: prepare media kit upsert: %w", err)
		}
		defer stmt.Close()

		for _, k := range kits {
			if _, err := stmt.ExecContext(ctx, k.ArtistID, k.ArtistName, k.Category, k.RecordLabel,
				nullable(k.SpotifyStreams), nullable(k.SpotifyMonthlyListeners),
				nullable(k.SpotifyFollowers), nullable(k.YouTubeViews),
				nullable(k.YouTubeMusicViews), toNanos(k.UpdatedAt)); err != nil {
				return fmt.Errorf("store: upsert media kit %d: %w", k.ArtistID, err)
			}
		}
		return nil
	})
}

// MediaKit returns the media-kit rows ordered by artist.
func (s *Store) MediaKit(ctx context.Context) ([]metric.MediaKit, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT artist_id, artist_name, category, record_label,
			spotify_streams, spotify_monthly_listeners, spotify_followers,
			youtube_views, youtube_music_views, updated_at
		FROM media_kit ORDER BY artist_id`)
	if err != nil {
		return nil, fmt.Errorf("store: media kit: %w", err)
	}
	defer rows.Close()

	var out []metric.MediaKit
	for rows.Next() {
		var (
			k                             metric.MediaKit
			streams, listeners, followers sql.NullInt64
			yt, ytm                       sql.NullInt64
			updated                       int64
		)
		if err := rows.Scan(&k.ArtistID, &k.ArtistName, &k.Category, &k.RecordLabel,
			&streams, &listeners, &followers, &yt, &ytm, &updated); err != nil {
			return nil, fmt.Errorf("store: scan media kit: %w", err)
		}
		k.SpotifyStreams = fromNull(streams)
		k.SpotifyMonthlyListeners = fromNull(listeners)
		k.SpotifyFollowers = fromNull(followers)
		k.YouTubeViews = fromNull(yt)
		k.YouTubeMusicViews = fromNull(ytm)
		k.UpdatedAt = fromNanos(updated)
		out = append(out, k)
	}
	return out, rows.Err()
}

// SaveRun stores a run report.
func (s *Store) SaveRun(ctx context.Context, r metric.RunReport) error {
	skips, err := json.Marshal(nonNilSkips(r.Skips))
	if err != nil {
		return fmt.Errorf("store: encode skips: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.DB,
		`INSERT INTO collection_runs (run_id, source, succeeded, skipped, failed,
			aborted, error, started_at, finished_at, skips)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			succeeded = excluded.succeeded, skipped = excluded.skipped,
			failed = excluded.failed, aborted = excluded.aborted,
			error = excluded.error, finished_at = excluded.finished_at,
			skips = excluded.skips`,
		r.RunID, string(r.Source), r.Succeeded, r.Skipped, r.Failed,
		r.Aborted, r.Err, toNanos(r.StartedAt), toNanos(r.FinishedAt), string(skips))
	if err != nil {
		return fmt.Errorf("store: save run %s: %w", r.RunID, err)
	}
	return nil
}

// Runs returns the most recent runs, newest first. limit <= 0 means 50.
func (s *Store) Runs(ctx context.Context, limit int) ([]metric.RunReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT run_id, source, succeeded, skipped, failed, aborted, error,
			started_at, finished_at, skips
		FROM collection_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: runs: %w", err)
	}
	defer rows.Close()

	var out []metric.RunReport
	for rows.Next() {
		var (
			r                 metric.RunReport
			src, skips        string
			started, finished int64
		)
		if err := rows.Scan(&r.RunID, &src, &r.Succeeded, &r.Skipped, &r.Failed,
			&r.Aborted, &r.Err, &started, &finished, &skips); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.Source = metric.Source(src)
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		if err := json.Unmarshal([]byte(skips), &r.Skips); err != nil {
			return nil, fmt.Errorf("store: decode skips of %s: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// toNanos stores the zero time as 0 so it survives a round trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nonNilSkips(s []metric.Skip) []metric.Skip {
	if s == nil {
		return []metric.Skip{}
	}
	return s
}
