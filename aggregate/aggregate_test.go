package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/JeanSilva08/data-flow-pipeline/dbopen"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
	"github.com/JeanSilva08/data-flow-pipeline/store"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func ptr(v int64) *int64 { return &v }

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func obs(id string, kind metric.Kind, entity int64, src metric.Source, v int64, at time.Duration) metric.Observation {
	return metric.Observation{ID: id, Kind: kind, EntityID: entity, Source: src, Value: v, ScrapedAt: t0.Add(at)}
}

func TestLatest_OrderIndependent(t *testing.T) {
	log := []metric.Observation{
		obs("01", metric.KindSong, 1, metric.YouTubeViews, 100, 0),
		obs("02", metric.KindSong, 1, metric.YouTubeViews, 200, time.Hour),
		obs("03", metric.KindSong, 1, metric.YouTubeViews, 300, 2*time.Hour),
		obs("04", metric.KindSong, 1, metric.SpotifyStreams, 9, time.Minute),
		obs("05", metric.KindSong, 2, metric.YouTubeViews, 5, 0),
	}
	want := Latest(log)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]metric.Observation(nil), log...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if diff := cmp.Diff(want, Latest(shuffled)); diff != "" {
			t.Fatalf("shuffle %d (-want +got):\n%s", i, diff)
		}
	}

	values := map[string]int64{}
	for _, o := range want {
		values[o.ID] = o.Value
	}
	if len(want) != 3 || values["03"] != 300 || values["04"] != 9 || values["05"] != 5 {
		t.Errorf("latest = %+v", want)
	}
}

func TestLatest_TieBreaksOnID(t *testing.T) {
	got := Latest([]metric.Observation{
		obs("b", metric.KindArtist, 1, metric.SpotifyMonthlyListeners, 2, 0),
		obs("a", metric.KindArtist, 1, metric.SpotifyMonthlyListeners, 1, 0),
	})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("got %+v, want id b", got)
	}
}

func TestBuildSnapshots_PartialData(t *testing.T) {
	snaps := BuildSnapshots([]metric.Observation{
		obs("1", metric.KindSong, 7, metric.YouTubeViews, 0, time.Hour),
		obs("2", metric.KindSong, 7, metric.SpotifyStreams, 42, 2*time.Hour),
	})
	want := []metric.Snapshot{{
		Kind: metric.KindSong, EntityID: 7,
		YouTubeViews: ptr(0), SpotifyStreams: ptr(42),
		UpdatedAt: t0.Add(2 * time.Hour),
	}}
	if diff := cmp.Diff(want, snaps); diff != "" {
		t.Errorf("snapshots (-want +got):\n%s", diff)
	}
}

func TestRollUp(t *testing.T) {
	artists := []metric.Artist{
		{ID: 1, Name: "Band", Category: "rock", RecordLabel: "Indie"},
		{ID: 2, Name: "Quiet"},
	}
	songs := []metric.Entity{
		{Kind: metric.KindSong, ID: 10, ArtistID: 1},
		{Kind: metric.KindSong, ID: 11, ArtistID: 1},
		{Kind: metric.KindSong, ID: 12, ArtistID: 1},
		{Kind: metric.KindSong, ID: 20, ArtistID: 2},
	}
	snaps := []metric.Snapshot{
		{Kind: metric.KindArtist, EntityID: 1, SpotifyMonthlyListeners: ptr(5000), SpotifyFollowers: ptr(300), UpdatedAt: t0},
		{Kind: metric.KindSong, EntityID: 10, SpotifyStreams: ptr(100), YouTubeViews: ptr(10), UpdatedAt: t0.Add(time.Hour)},
		{Kind: metric.KindSong, EntityID: 11, SpotifyStreams: ptr(50), UpdatedAt: t0},
	}

	got := RollUp(artists, songs, snaps)
	want := []metric.MediaKit{
		{
			ArtistID: 1, ArtistName: "Band", Category: "rock", RecordLabel: "Indie",
			SpotifyStreams: ptr(150), SpotifyMonthlyListeners: ptr(5000), SpotifyFollowers: ptr(300),
			YouTubeViews: ptr(10), UpdatedAt: t0.Add(time.Hour),
		},
		{ArtistID: 2, ArtistName: "Quiet"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("media kit (-want +got):\n%s", diff)
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	ctx := context.Background()
	if err := s.PutArtist(ctx, metric.Artist{ID: 1, Name: "A"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{10, 11} {
		if err := s.PutSong(ctx, metric.Entity{Kind: metric.KindSong, ID: id, ArtistID: 1, Name: "s"}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestRun_TwoRunsReportLatest(t *testing.T) {
	// WHAT: 1000 then 1500 recorded across two runs; the snapshot shows 1500.
	// WHY: snapshots are a "latest" view, not a counter.
	s := openStore(t)
	ctx := context.Background()
	agg := New(s, WithLogger(quiet()))

	if err := s.Record(ctx, obs("r1", metric.KindSong, 10, metric.YouTubeViews, 1000, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, obs("r2", metric.KindSong, 10, metric.YouTubeViews, 1500, time.Hour)); err != nil {
		t.Fatal(err)
	}
	sum, err := agg.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Snapshots != 1 || sum.MediaKit != 1 {
		t.Errorf("summary = %+v", sum)
	}

	snaps, _ := s.Snapshots(ctx)
	if len(snaps) != 1 || snaps[0].YouTubeViews == nil || *snaps[0].YouTubeViews != 1500 {
		t.Fatalf("snapshots = %+v", snaps)
	}
	kits, _ := s.MediaKit(ctx)
	if len(kits) != 1 || kits[0].YouTubeViews == nil || *kits[0].YouTubeViews != 1500 {
		t.Errorf("media kit = %+v", kits)
	}
}

func TestRun_Idempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, o := range []metric.Observation{
		obs("1", metric.KindSong, 10, metric.YouTubeViews, 1234567, 0),
		obs("2", metric.KindSong, 11, metric.SpotifyStreams, 3, 0),
		obs("3", metric.KindArtist, 1, metric.SpotifyMonthlyListeners, 77, 0),
	} {
		if err := s.Record(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	agg := New(s, WithLogger(quiet()))

	if _, err := agg.Run(ctx); err != nil {
		t.Fatal(err)
	}
	snaps1, _ := s.Snapshots(ctx)
	kits1, _ := s.MediaKit(ctx)

	if _, err := agg.Run(ctx); err != nil {
		t.Fatal(err)
	}
	snaps2, _ := s.Snapshots(ctx)
	kits2, _ := s.MediaKit(ctx)

	if diff := cmp.Diff(snaps1, snaps2); diff != "" {
		t.Errorf("snapshots changed (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(kits1, kits2); diff != "" {
		t.Errorf("media kit changed (-first +second):\n%s", diff)
	}
}

func TestRun_EntityWithoutObservations(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, obs("1", metric.KindSong, 10, metric.YouTubeViews, 1234567, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := New(s, WithLogger(quiet())).Run(ctx); err != nil {
		t.Fatal(err)
	}
	snaps, _ := s.Snapshots(ctx)
	for _, sn := range snaps {
		if sn.Kind == metric.KindSong && sn.EntityID == 11 {
			t.Errorf("song 11 has no observations but got snapshot %+v", sn)
		}
	}
}

type failingIndexer struct{ calls int }

func (f *failingIndexer) IndexMediaKit(context.Context, []metric.MediaKit) error {
	f.calls++
	return errors.New("index unavailable")
}

func TestRun_IndexerFailureIsNotFatal(t *testing.T) {
	s := openStore(t)
	ix := &failingIndexer{}
	if _, err := New(s, WithIndexer(ix), WithLogger(quiet())).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ix.calls != 1 {
		t.Errorf("indexer calls = %d, want 1", ix.calls)
	}
}
