package pipeline

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Catalog is the YAML seed format for artists and songs. Production
// catalogues are maintained elsewhere; this is for local databases.
type Catalog struct {
	Artists []metric.Artist `yaml:"artists"`
	Songs   []CatalogSong   `yaml:"songs"`
}

// CatalogSong is one song of a Catalog.
type CatalogSong struct {
	ID             int64  `yaml:"id"`
	ArtistID       int64  `yaml:"artist_id"`
	Name           string `yaml:"name"`
	SpotifyID      string `yaml:"spotify_id"`
	SpotifyURL     string `yaml:"spotify_url"`
	YouTubeID      string `yaml:"youtube_id"`
	YouTubeMusicID string `yaml:"youtube_music_id"`
}

// Entity converts the song to its entity form.
func (s CatalogSong) Entity() metric.Entity {
	return metric.Entity{
		Kind:           metric.KindSong,
		ID:             s.ID,
		Name:           s.Name,
		ArtistID:       s.ArtistID,
		SpotifyID:      s.SpotifyID,
		SpotifyURL:     s.SpotifyURL,
		YouTubeID:      s.YouTubeID,
		YouTubeMusicID: s.YouTubeMusicID,
	}
}

// ImportCatalog reads a Catalog from r and upserts it. Artists are written
// first so that songs can reference them.
func (p *Pipeline) ImportCatalog(ctx context.Context, r io.Reader) (artists, songs int, err error) {
	var c Catalog
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && err != io.EOF {
		return 0, 0, fmt.Errorf("pipeline: decode catalog: %w", err)
	}

	known := make(map[int64]bool, len(c.Artists))
	for _, a := range c.Artists {
		if a.ID <= 0 || a.Name == "" {
			return artists, songs, fmt.Errorf("pipeline: catalog artist %d: id and name are required", a.ID)
		}
		if err := p.backend.PutArtist(ctx, a); err != nil {
			return artists, songs, err
		}
		known[a.ID] = true
		artists++
	}
	if len(c.Songs) > 0 {
		existing, err := p.backend.Artists(ctx)
		if err != nil {
			return artists, songs, err
		}
		for _, a := range existing {
			known[a.ID] = true
		}
	}
	for _, s := range c.Songs {
		if s.ID <= 0 || s.Name == "" {
			return artists, songs, fmt.Errorf("pipeline: catalog song %d: id and name are required", s.ID)
		}
		if !known[s.ArtistID] {
			return artists, songs, fmt.Errorf("pipeline: catalog song %d: unknown artist %d", s.ID, s.ArtistID)
		}
		if err := p.backend.PutSong(ctx, s.Entity()); err != nil {
			return artists, songs, err
		}
		songs++
	}
	p.logger.InfoContext(ctx, "catalog imported", "artists", artists, "songs", songs)
	return artists, songs, nil
}
