// CLAUDE:SUMMARY Derives per-entity latest snapshots and per-artist media-kit rows from the observation log; order-independent and idempotent.
// Package aggregate turns the append-only observation log into current
// state. Snapshot values are always recomputed from the latest observation
// of each (entity, source); nothing is accumulated incrementally, so running
// the aggregator twice with no new observations changes nothing.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Backend is the storage the aggregator reads from and writes to.
type Backend interface {
	LatestObservations(ctx context.Context) ([]metric.Observation, error)
	UpsertSnapshots(ctx context.Context, snaps []metric.Snapshot) error
	Snapshots(ctx context.Context) ([]metric.Snapshot, error)
	Artists(ctx context.Context) ([]metric.Artist, error)
	Songs(ctx context.Context) ([]metric.Entity, error)
	UpsertMediaKit(ctx context.Context, rows []metric.MediaKit) error
}

// Indexer receives the media-kit rows after each successful aggregation.
type Indexer interface {
	IndexMediaKit(ctx context.Context, rows []metric.MediaKit) error
}

// Summary reports what one aggregation wrote.
type Summary struct {
	Observations int           `json:"observations"`
	Snapshots    int           `json:"snapshots"`
	MediaKit     int           `json:"media_kit"`
	Duration     time.Duration `json:"duration_ns"`
}

// Aggregator recomputes snapshots and the media kit.
type Aggregator struct {
	backend Backend
	indexer Indexer
	logger  *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithIndexer publishes media-kit rows to a search index after each run.
// Index failures are logged and do not fail the aggregation.
func WithIndexer(ix Indexer) Option { return func(a *Aggregator) { a.indexer = ix } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// New creates an Aggregator over backend.
func New(backend Backend, opts ...Option) *Aggregator {
	a := &Aggregator{backend: backend, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run recomputes every snapshot from the latest observations, then rolls the
// snapshots up into media-kit rows.
func (a *Aggregator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	obs, err := a.backend.LatestObservations(ctx)
	if err != nil {
		return sum, fmt.Errorf("aggregate: latest observations: %w", err)
	}
	latest := Latest(obs)
	sum.Observations = len(latest)

	snaps := BuildSnapshots(latest)
	if err := a.backend.UpsertSnapshots(ctx, snaps); err != nil {
		return sum, fmt.Errorf("aggregate: upsert snapshots: %w", err)
	}
	sum.Snapshots = len(snaps)

	all, err := a.backend.Snapshots(ctx)
	if err != nil {
		return sum, fmt.Errorf("aggregate: snapshots: %w", err)
	}
	artists, err := a.backend.Artists(ctx)
	if err != nil {
		return sum, fmt.Errorf("aggregate: artists: %w", err)
	}
	songs, err := a.backend.Songs(ctx)
	if err != nil {
		return sum, fmt.Errorf("aggregate: songs: %w", err)
	}

	kits := RollUp(artists, songs, all)
	if err := a.backend.UpsertMediaKit(ctx, kits); err != nil {
		return sum, fmt.Errorf("aggregate: upsert media kit: %w", err)
	}
	sum.MediaKit = len(kits)

	if a.indexer != nil && len(kits) > 0 {
		if err := a.indexer.IndexMediaKit(ctx, kits); err != nil {
			a.logger.WarnContext(ctx, "aggregate: index media kit failed", "error", err)
		}
	}

	sum.Duration = time.Since(start)
	a.logger.InfoContext(ctx, "aggregation finished",
		"observations", sum.Observations,
		"snapshots", sum.Snapshots,
		"media_kit", sum.MediaKit,
		"duration_ms", sum.Duration.Milliseconds())
	return sum, nil
}

type cell struct {
	kind   metric.Kind
	entity int64
	source metric.Source
}

// newer reports whether a supersedes b: later scraped_at, then greater id.
func newer(a, b metric.Observation) bool {
	if !a.ScrapedAt.Equal(b.ScrapedAt) {
		return a.ScrapedAt.After(b.ScrapedAt)
	}
	return a.ID > b.ID
}

// Latest keeps, per (entity, source), the observation with the greatest
// scraped_at. The result does not depend on the order of obs.
func Latest(obs []metric.Observation) []metric.Observation {
	best := make(map[cell]metric.Observation, len(obs))
	for _, o := range obs {
		k := cell{o.Kind, o.EntityID, o.Source}
		if cur, ok := best[k]; !ok || newer(o, cur) {
			best[k] = o
		}
	}
	out := make([]metric.Observation, 0, len(best))
	for _, o := range best {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Source < b.Source
	})
	return out
}

type entityKey struct {
	kind metric.Kind
	id   int64
}

// BuildSnapshots folds latest observations into one snapshot per entity.
// Sources without an observation stay nil. UpdatedAt is the newest
// scraped_at that contributed, so rebuilding from the same log yields the
// same rows.
func BuildSnapshots(latest []metric.Observation) []metric.Snapshot {
	idx := make(map[entityKey]int)
	var out []metric.Snapshot
	for _, o := range Latest(latest) {
		k := entityKey{o.Kind, o.EntityID}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, metric.Snapshot{Kind: o.Kind, EntityID: o.EntityID})
		}
		out[i].Set(o.Source, o.Value)
		if o.ScrapedAt.After(out[i].UpdatedAt) {
			out[i].UpdatedAt = o.ScrapedAt
		}
	}
	return out
}

// RollUp builds one media-kit row per artist. Artist-level sources are
// copied from the artist's snapshot; song-level sources are summed over the
// artist's songs that have a value. A column stays nil when nothing
// contributed to it.
func RollUp(artists []metric.Artist, songs []metric.Entity, snaps []metric.Snapshot) []metric.MediaKit {
	bySnap := make(map[entityKey]metric.Snapshot, len(snaps))
	for _, s := range snaps {
		bySnap[entityKey{s.Kind, s.EntityID}] = s
	}
	songsOf := make(map[int64][]int64)
	for _, s := range songs {
		songsOf[s.ArtistID] = append(songsOf[s.ArtistID], s.ID)
	}

	out := make([]metric.MediaKit, 0, len(artists))
	for _, a := range artists {
		k := metric.MediaKit{
			ArtistID:    a.ID,
			ArtistName:  a.Name,
			Category:    a.Category,
			RecordLabel: a.RecordLabel,
		}
		if s, ok := bySnap[entityKey{metric.KindArtist, a.ID}]; ok {
			k.SpotifyMonthlyListeners = copyVal(s.SpotifyMonthlyListeners)
			k.SpotifyFollowers = copyVal(s.SpotifyFollowers)
			k.UpdatedAt = s.UpdatedAt
		}
		for _, songID := range songsOf[a.ID] {
			s, ok := bySnap[entityKey{metric.KindSong, songID}]
			if !ok {
				continue
			}
			k.SpotifyStreams = add(k.SpotifyStreams, s.SpotifyStreams)
			k.YouTubeViews = add(k.YouTubeViews, s.YouTubeViews)
			k.YouTubeMusicViews = add(k.YouTubeMusicViews, s.YouTubeMusicViews)
			if s.UpdatedAt.After(k.UpdatedAt) {
				k.UpdatedAt = s.UpdatedAt
			}
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtistID < out[j].ArtistID })
	return out
}

func copyVal(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func add(sum, v *int64) *int64 {
	if v == nil {
		return sum
	}
	if sum == nil {
		return copyVal(v)
	}
	total := *sum + *v
	return &total
}
