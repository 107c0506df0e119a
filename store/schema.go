package store

// Schema creates the catalogue, observation, snapshot, media-kit and run
// tables. Observations are protected against UPDATE and DELETE by triggers.
const Schema = `
CREATE TABLE IF NOT EXISTS artists (
	id            INTEGER PRIMARY KEY,
	name          TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	record_label  TEXT NOT NULL DEFAULT '',
	spotify_id    TEXT NOT NULL DEFAULT '',
	youtube_id    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS songs (
	id               INTEGER PRIMARY KEY,
	artist_id        INTEGER NOT NULL REFERENCES artists(id),
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
	entity_id   INTEGER NOT NULL,
	source      TEXT NOT NULL,
	value       INTEGER NOT NULL CHECK (value >= 0),
	scraped_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_latest
	ON metric_observations(entity_kind, entity_id, source, scraped_at);
CREATE INDEX IF NOT EXISTS idx_observations_run ON metric_observations(run_id);

CREATE TRIGGER IF NOT EXISTS metric_observations_no_update
BEFORE UPDATE ON metric_observations
BEGIN
	SELECT RAISE(ABORT, 'metric_observations is append-only');
END;

CREATE TRIGGER IF NOT EXISTS metric_observations_no_delete
BEFORE DELETE ON metric_observations
BEGIN
	SELECT RAISE(ABORT, 'metric_observations is append-only');
END;

CREATE TABLE IF NOT EXISTS metric_snapshots (
	entity_kind               TEXT NOT NULL,
	entity_id                 INTEGER NOT NULL,
	spotify_streams           INTEGER,
	spotify_monthly_listeners INTEGER,
	youtube_views             INTEGER,
	youtube_music_views       INTEGER,
	spotify_followers         INTEGER,
	updated_at                INTEGER NOT NULL,
	PRIMARY KEY (entity_kind, entity_id)
);

CREATE TABLE IF NOT EXISTS media_kit (
	artist_id                 INTEGER PRIMARY KEY,
	artist_name               TEXT NOT NULL,
	category                  TEXT NOT NULL DEFAULT '',
	record_label              TEXT NOT NULL DEFAULT '',
	spotify_streams           INTEGER,
	spotify_monthly_listeners INTEGER,
	spotify_followers         INTEGER,
	youtube_views             INTEGER,
	youtube_music_views       INTEGER,
	updated_at                INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS collection_runs (
	run_id      TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	aborted     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	skips       TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON collection_runs(started_at);
`
