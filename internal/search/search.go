// Package search mirrors the media-kit table into a Meilisearch index so
// artists can be searched and sorted by audience without touching the
// primary store.
package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meilisearch/meilisearch-go"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

const (
	DefaultIndex = "media_kit"
	primaryKey   = "artist_id"
)

// Config configures the indexer.
type Config struct {
	Host   string
	APIKey string
	Index  string
	Logger *slog.Logger
}

// Indexer upserts media-kit rows into Meilisearch.
type Indexer struct {
	client meilisearch.ServiceManager
	index  string
	logger *slog.Logger
}

// NewIndexer connects to Meilisearch and makes sure the index and its
// settings exist. Setup failures are logged: documents can still be sent
// and Meilisearch creates the index on first write.
func NewIndexer(cfg Config) *Indexer {
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := meilisearch.New(cfg.Host, meilisearch.WithAPIKey(cfg.APIKey))

	ix := &Indexer{client: client, index: cfg.Index, logger: cfg.Logger}
	ix.setup()
	return ix
}

func (ix *Indexer) setup() {
	if _, err := ix.client.CreateIndex(&meilisearch.IndexConfig{
		Uid:        ix.index,
		PrimaryKey: primaryKey,
	}); err != nil {
		ix.logger.Warn("search: create index", "index", ix.index, "error", err)
	}

	idx := ix.client.Index(ix.index)
	if _, err := idx.UpdateSearchableAttributes(&[]string{
		"artist_name",
		"category",
		"record_label",
	}); err != nil {
		ix.logger.Warn("search: searchable attributes", "error", err)
	}
	if _, err := idx.UpdateSortableAttributes(&[]string{
		"spotify_streams",
		"spotify_monthly_listeners",
		"spotify_followers",
		"youtube_views",
		"youtube_music_views",
	}); err != nil {
		ix.logger.Warn("search: sortable attributes", "error", err)
	}
	filterable := []interface{}{"category", "record_label"}
	if _, err := idx.UpdateFilterableAttributes(&filterable); err != nil {
		ix.logger.Warn("search: filterable attributes", "error", err)
	}
}

// IndexMediaKit upserts rows keyed by artist_id. Meilisearch applies the
// update asynchronously; the returned error only covers enqueueing.
func (ix *Indexer) IndexMediaKit(ctx context.Context, rows []metric.MediaKit) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	pk := primaryKey
	task, err := ix.client.Index(ix.index).UpdateDocuments(rows, &meilisearch.DocumentOptions{PrimaryKey: &pk})
	if err != nil {
		return fmt.Errorf("search: index %d rows: %w", len(rows), err)
	}
	ix.logger.DebugContext(ctx, "search: media kit enqueued", "index", ix.index, "rows", len(rows), "task_uid", task.TaskUID)
	return nil
}
