package observability

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/dbopen"
	"github.com/JeanSilva08/data-flow-pipeline/idgen"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"worker_heartbeats", "metrics_timeseries", "business_event_logs"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	if err := Init(db); err != nil {
		t.Fatalf("Init is not re-runnable: %v", err)
	}
}

func TestMetricsManager_RecordRun(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	start := time.Now().Add(-time.Minute)
	mm.RecordRun(metric.RunReport{
		RunID: "run_1", Source: metric.YouTubeViews,
		Succeeded: 8, Skipped: 2, Failed: 1,
		StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond),
	})
	mm.RecordRun(metric.RunReport{
		RunID: "run_2", Source: metric.SpotifyStreams, Succeeded: 3,
		StartedAt: start, FinishedAt: start.Add(time.Second),
	})
	mm.Close()

	ctx := context.Background()
	got, err := mm.Query(ctx, MetricCollectionSucceeded, "", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("succeeded datapoints = %d, want 2", len(got))
	}

	yt, err := mm.Query(ctx, "", string(metric.YouTubeViews), time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(yt) != 4 {
		t.Fatalf("youtube datapoints = %d, want 4", len(yt))
	}
	values := map[string]float64{}
	for _, m := range yt {
		values[m.Name] = m.Value
		if m.Labels["source"] != "youtube_views" {
			t.Errorf("labels = %v", m.Labels)
		}
	}
	if values[MetricCollectionSkipped] != 2 || values[MetricCollectionFailed] != 1 || values[MetricCollectionDurationMs] != 1500 {
		t.Errorf("values = %v", values)
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.Record(&Metric{Name: "a", Timestamp: time.Now(), Value: 1, Unit: "count"})
	mm.Record(&Metric{Name: "b", Timestamp: time.Now(), Value: 2, Unit: "count"})

	var count int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&count)
	if count != 2 {
		t.Fatalf("rows = %d, want 2 after the buffer filled", count)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	mm.Record(&Metric{Name: "old", Timestamp: time.Now().AddDate(0, 0, -40), Value: 1})
	mm.Record(&Metric{Name: "new", Timestamp: time.Now(), Value: 1})
	mm.Close()

	deleted, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}

func TestEventLogger_Run(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, WithEventIDGenerator(idgen.Sequence("evt_")))
	ctx := context.Background()

	el.RunStarted(ctx, metric.YouTubeViews, 12)
	el.RunFinished(ctx, metric.RunReport{RunID: "run_1", Source: metric.YouTubeViews, Succeeded: 10, Skipped: 2})
	el.RunFinished(ctx, metric.RunReport{RunID: "run_2", Source: metric.YouTubeViews, Aborted: true, Err: "fatal"})

	finished, err := el.Events(ctx, EventRunFinished, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 2 {
		t.Fatalf("finished events = %d, want 2", len(finished))
	}
	var ok, failed int
	for _, e := range finished {
		if e.EntityID != "youtube_views" || e.ServiceName != "flowctl" {
			t.Errorf("event = %+v", e)
		}
		if e.Success {
			ok++
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("success=%d failure=%d", ok, failed)
	}

	started, _ := el.Events(ctx, EventRunStarted, 10)
	if len(started) != 1 || started[0].Details != `{"entities":12}` {
		t.Errorf("started = %+v", started)
	}
}

func TestEventLogger_Aggregated(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, WithServiceName("collector"))
	ctx := context.Background()

	el.Aggregated(ctx, 4, 2, nil)
	el.Aggregated(ctx, 0, 0, errors.New("db gone"))

	good, _ := el.Events(ctx, EventAggregated, 10)
	bad, _ := el.Events(ctx, EventAggregateErr, 10)
	if len(good) != 1 || !good[0].Success || good[0].ServiceName != "collector" {
		t.Errorf("aggregated = %+v", good)
	}
	if len(bad) != 1 || bad[0].Success {
		t.Errorf("failed = %+v", bad)
	}
}

func TestHeartbeatWriter_WriteHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "collector", time.Minute)
	if err := hw.WriteHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(context.Background(), db, "collector", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive || hs.Goroutines <= 0 {
		t.Fatalf("heartbeat = %+v", hs)
	}

	none, err := LatestHeartbeat(context.Background(), db, "nobody", time.Minute)
	if err != nil || none != nil {
		t.Errorf("unknown worker = %+v, %v", none, err)
	}
}

func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "loop", 50*time.Millisecond)

	hw.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	hw.Stop()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name='loop'").Scan(&count)
	if count < 2 {
		t.Fatalf("heartbeats = %d, want >= 2", count)
	}
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -40).Unix()

	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('w', 'h', 1, ?)`, old)
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at) VALUES ('e1', 't', 's', 'a', ?)`, old)
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action) VALUES ('e2', 't', 's', 'a')`)

	if err := Cleanup(ctx, db, RetentionConfig{EventLogsDays: 30, HeartbeatsDays: 30}); err != nil {
		t.Fatal(err)
	}
	var hb, ev int
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&hb)
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs").Scan(&ev)
	if hb != 0 || ev != 1 {
		t.Errorf("after cleanup: heartbeats=%d events=%d", hb, ev)
	}
}

func TestMetricsManager_RecordAggregation(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 10, time.Hour)
	defer mm.Close()

	mm.RecordAggregation(1500*time.Millisecond, 42)
	mm.Flush()

	got, err := mm.Query(context.Background(), MetricSnapshotsWritten, "", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 42 {
		t.Fatalf("snapshots_written = %+v", got)
	}
	got, _ = mm.Query(context.Background(), MetricAggregationDuration, "", time.Time{}, 0)
	if len(got) != 1 || got[0].Value != 1500 {
		t.Fatalf("aggregation_duration = %+v", got)
	}
}
