// Package observability records collection-run metrics, business events and
// collector heartbeats in a dedicated SQLite database.
//
// Open the database with dbopen.WithSchema(Schema), or call Init on it,
// then pass it to the constructors.
// Persistence is buffered and never blocks a collection run: a failing
// observability store is logged and otherwise ignored.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/dbopen"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Run metric names, labelled by source.
const (
	MetricCollectionSucceeded  = "collection_succeeded_count"
	MetricCollectionSkipped    = "collection_skipped_count"
	MetricCollectionFailed     = "collection_failed_count"
	MetricCollectionDurationMs = "collection_duration_ms"
	MetricAggregationDuration  = "aggregation_duration_ms"
	MetricSnapshotsWritten     = "snapshots_written_count"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit"` // "count", "milliseconds"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric

	stop chan struct{}
	done chan struct{}
}

// NewMetricsManager starts a manager that flushes every flushInterval or
// whenever bufferSize datapoints are queued. Zero values mean 100 and 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        slog.Default(),
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues m. Non-blocking apart from a flush when the buffer fills.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordRun queues the count and duration datapoints of one collection run.
func (mm *MetricsManager) RecordRun(r metric.RunReport) {
	labels := map[string]string{"source": string(r.Source)}
	if r.Aborted {
		labels["aborted"] = "true"
	}
	ts := r.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	points := []struct {
		name  string
		value float64
		unit  string
	}{
		{MetricCollectionSucceeded, float64(r.Succeeded), "count"},
		{MetricCollectionSkipped, float64(r.Skipped), "count"},
		{MetricCollectionFailed, float64(r.Failed), "count"},
		{MetricCollectionDurationMs, float64(r.FinishedAt.Sub(r.StartedAt).Milliseconds()), "milliseconds"},
	}
	for _, p := range points {
		mm.Record(&Metric{Name: p.name, Timestamp: ts, Value: p.value, Labels: labels, Unit: p.unit})
	}
}

// RecordAggregation queues the duration and snapshot count of one aggregation.
func (mm *MetricsManager) RecordAggregation(d time.Duration, snapshots int) {
	now := time.Now()
	mm.Record(&Metric{Name: MetricAggregationDuration, Timestamp: now, Value: float64(d.Milliseconds()), Unit: "milliseconds"})
	mm.Record(&Metric{Name: MetricSnapshotsWritten, Timestamp: now, Value: float64(snapshots), Unit: "count"})
}

// Query returns datapoints newest first. An empty name matches every metric;
// a non-empty source keeps only datapoints labelled with it.
func (mm *MetricsManager) Query(ctx context.Context, name, source string, since time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE timestamp >= ?"
	args := []any{since.Unix()}
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if source != "" {
		q += " AND json_extract(labels, '$.source') = ?"
		args = append(args, source)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retentionDays.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := dbopen.Exec(ctx, mm.db, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Flush writes buffered datapoints now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	mm.flushLocked()
	mm.mu.Unlock()
}

// Close flushes what is left and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

// flushLocked writes the buffer in one transaction. A batch that cannot be
// written is dropped and logged; metrics never block collection.
func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, encodeLabels(m.Labels), m.Unit); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("observability metrics: flush dropped batch", "datapoints", len(batch), "error", err)
	}
}

func encodeLabels(labels map[string]string) sql.NullString {
	if len(labels) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
