// CLAUDE:SUMMARY Core record types: metric sources, tracked entities, observations, snapshots, media-kit rows and run reports.
// Package metric defines the records that flow through the collection
// engine: what is measured (Source), what it is measured on (Entity), one
// measurement (Observation), the materialised latest values (Snapshot,
// MediaKit) and the outcome of a collection run (RunReport).
package metric

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source identifies one measurable quantity on one platform.
type Source string

const (
	SpotifyStreams          Source = "spotify_streams"
	SpotifyMonthlyListeners Source = "spotify_monthly_listeners"
	YouTubeViews            Source = "youtube_views"
	YouTubeMusicViews       Source = "youtube_music_views"
	SpotifyFollowers        Source = "spotify_followers"
)

var allSources = []Source{
	SpotifyStreams,
	SpotifyMonthlyListeners,
	YouTubeViews,
	YouTubeMusicViews,
	SpotifyFollowers,
}

// Sources returns every known source in a stable order.
func Sources() []Source {
	out := make([]Source, len(allSources))
	copy(out, allSources)
	return out
}

// ErrUnknownSource is wrapped by ParseSource for names outside Sources.
var ErrUnknownSource = errors.New("metric: unknown source")

// ParseSource converts a string such as "youtube_views" into a Source.
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, src := range allSources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownSource, s)
}

// Kind returns the entity kind the source is measured on.
func (s Source) Kind() Kind {
	switch s {
	case SpotifyMonthlyListeners, SpotifyFollowers:
		return KindArtist
	default:
		return KindSong
	}
}

func (s Source) String() string { return string(s) }

// Kind distinguishes artists from songs.
type Kind string

const (
	KindArtist Kind = "artist"
	KindSong   Kind = "song"
)

// Entity is an artist or a song as maintained by the catalogue layer.
// It is read-only to the collection engine.
type Entity struct {
	Kind Kind
	ID   int64
	Name string

	// ArtistID is the owning artist for songs and equals ID for artists.
	ArtistID int64

	SpotifyID      string
	SpotifyURL     string
	YouTubeID      string
	YouTubeMusicID string
}

// ExternalID returns the platform identifier the given source needs, or ""
// when the entity has none.
func (e Entity) ExternalID(src Source) string {
	switch src {
	case SpotifyStreams:
		if id := trackIDFromURL(e.SpotifyURL); id != "" {
			return id
		}
		return e.SpotifyID
	case SpotifyMonthlyListeners, SpotifyFollowers:
		return e.SpotifyID
	case YouTubeViews:
		return e.YouTubeID
	case YouTubeMusicViews:
		return e.YouTubeMusicID
	}
	return ""
}

// trackIDFromURL extracts the trailing ID from an open.spotify.com/track URL.
func trackIDFromURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, "/")
	i := strings.LastIndex(u, "/track/")
	if i < 0 {
		return ""
	}
	return u[i+len("/track/"):]
}

// Observation is one immutable measurement.
type Observation struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      Kind      `json:"kind"`
	EntityID  int64     `json:"entity_id"`
	Source    Source    `json:"source"`
	Value     int64     `json:"value"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Validate checks the invariants every stored observation must satisfy.
func (o Observation) Validate() error {
	if o.Source == "" {
		return fmt.Errorf("metric: observation without source")
	}
	if o.Kind != o.Source.Kind() {
		return fmt.Errorf("metric: %s observation on %s entity", o.Source, o.Kind)
	}
	if o.Value < 0 {
		return fmt.Errorf("metric: negative value %d for %s", o.Value, o.Source)
	}
	if o.ScrapedAt.IsZero() {
		return fmt.Errorf("metric: observation without timestamp")
	}
	return nil
}

// Snapshot holds the latest observed value per source for one entity.
// A nil field means the source was never observed for that entity.
type Snapshot struct {
	Kind     Kind  `json:"kind"`
	EntityID int64 `json:"entity_id"`

	SpotifyStreams          *int64 `json:"spotify_streams"`
	SpotifyMonthlyListeners *int64 `json:"spotify_monthly_listeners"`
	YouTubeViews            *int64 `json:"youtube_views"`
	YouTubeMusicViews       *int64 `json:"youtube_music_views"`
	SpotifyFollowers        *int64 `json:"spotify_followers"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Value returns the field bound to src.
func (s *Snapshot) Value(src Source) *int64 {
	switch src {
	case SpotifyStreams:
		return s.SpotifyStreams
	case SpotifyMonthlyListeners:
		return s.SpotifyMonthlyListeners
	case YouTubeViews:
		return s.YouTubeViews
	case YouTubeMusicViews:
		return s.YouTubeMusicViews
	case SpotifyFollowers:
		return s.SpotifyFollowers
	}
	return nil
}

// Set stores v in the field bound to src.
func (s *Snapshot) Set(src Source, v int64) {
	p := &v
	switch src {
	case SpotifyStreams:
		s.SpotifyStreams = p
	case SpotifyMonthlyListeners:
		s.SpotifyMonthlyListeners = p
	case YouTubeViews:
		s.YouTubeViews = p
	case YouTubeMusicViews:
		s.YouTubeMusicViews = p
	case SpotifyFollowers:
		s.SpotifyFollowers = p
	}
}

// Artist carries the catalogue attributes the media kit reports.
type Artist struct {
	ID          int64  `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Category    string `json:"category,omitempty" yaml:"category"`
	RecordLabel string `json:"record_label,omitempty" yaml:"record_label"`
	SpotifyID   string `json:"spotify_id,omitempty" yaml:"spotify_id"`
	YouTubeID   string `json:"youtube_id,omitempty" yaml:"youtube_id"`
}

// MediaKit is the per-artist reporting row. Song-level sources are summed
// over the artist's songs.
type MediaKit struct {
	ArtistID    int64  `json:"artist_id"`
	ArtistName  string `json:"artist_name"`
	Category    string `json:"category"`
	RecordLabel string `json:"record_label"`

	SpotifyStreams          *int64 `json:"spotify_streams"`
	SpotifyMonthlyListeners *int64 `json:"spotify_monthly_listeners"`
	SpotifyFollowers        *int64 `json:"spotify_followers"`
	YouTubeViews            *int64 `json:"youtube_views"`
	YouTubeMusicViews       *int64 `json:"youtube_music_views"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Skip records why one entity produced no observation.
type Skip struct {
	Kind     Kind   `json:"kind"`
	EntityID int64  `json:"entity_id"`
	Class    Class  `json:"class"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

// RunReport summarises one collection run.
type RunReport struct {
	RunID      string    `json:"run_id"`
	Source     Source    `json:"source"`
	Succeeded  int       `json:"succeeded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Aborted    bool      `json:"aborted"`
	Err        string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Skips      []Skip    `json:"skips,omitempty"`
}

// Total is the number of entities the run accounted for.
func (r RunReport) Total() int { return r.Succeeded + r.Skipped + r.Failed }
