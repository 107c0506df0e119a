package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/idgen"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Event types written by the pipeline.
const (
	EventRunStarted   = "collection.started"
	EventRunFinished  = "collection.finished"
	EventAggregated   = "aggregation.finished"
	EventAggregateErr = "aggregation.failed"
)

// BusinessEvent is a domain-level event.
type BusinessEvent struct {
	EventType   string
	ServiceName string
	EntityType  string
	EntityID    string
	Action      string
	Details     string // optional JSON
	Success     bool
	CreatedAt   time.Time
}

// EventLogger writes business events.
type EventLogger struct {
	db      *sql.DB
	service string
	newID   idgen.Generator
	logger  *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the generator used for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithServiceName sets the service_name column. Default: "flowctl".
func WithServiceName(name string) EventLoggerOption {
	return func(l *EventLogger) { l.service = name }
}

// NewEventLogger creates a logger backed by the observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:      db,
		service: "flowctl",
		newID:   idgen.Event,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records e. Errors are logged, never returned.
func (l *EventLogger) LogEvent(ctx context.Context, e BusinessEvent) {
	if e.ServiceName == "" {
		e.ServiceName = l.service
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), e.EventType, e.ServiceName, e.EntityType, e.EntityID,
		e.Action, e.Details, e.Success, e.CreatedAt.Unix())
	if err != nil {
		l.logger.Error("observability event log failed", "error", err, "event_type", e.EventType)
	}
}

// RunStarted records the start of a collection run.
func (l *EventLogger) RunStarted(ctx context.Context, src metric.Source, entities int) {
	details, _ := json.Marshal(map[string]any{"entities": entities})
	l.LogEvent(ctx, BusinessEvent{
		EventType:  EventRunStarted,
		EntityType: "source",
		EntityID:   string(src),
		Action:     "collect",
		Details:    string(details),
		Success:    true,
	})
}

// RunFinished records the outcome of a collection run.
func (l *EventLogger) RunFinished(ctx context.Context, r metric.RunReport) {
	details, _ := json.Marshal(map[string]any{
		"run_id":    r.RunID,
		"succeeded": r.Succeeded,
		"skipped":   r.Skipped,
		"failed":    r.Failed,
		"error":     r.Err,
	})
	l.LogEvent(ctx, BusinessEvent{
		EventType:  EventRunFinished,
		EntityType: "source",
		EntityID:   string(r.Source),
		Action:     "collect",
		Details:    string(details),
		Success:    !r.Aborted,
	})
}

// Aggregated records an aggregation pass. A non-nil err marks it failed.
func (l *EventLogger) Aggregated(ctx context.Context, snapshots, mediaKit int, err error) {
	e := BusinessEvent{EventType: EventAggregated, EntityType: "snapshot", Action: "aggregate", Success: true}
	d := map[string]any{"snapshots": snapshots, "media_kit": mediaKit}
	if err != nil {
		e.EventType = EventAggregateErr
		e.Success = false
		d["error"] = err.Error()
	}
	b, _ := json.Marshal(d)
	e.Details = string(b)
	l.LogEvent(ctx, e)
}

// Events returns the most recent events of eventType, newest first.
func (l *EventLogger) Events(ctx context.Context, eventType string, limit int) ([]BusinessEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, service_name, entity_type, entity_id, action, details, success, created_at
		FROM business_event_logs WHERE event_type = ?
		ORDER BY created_at DESC, event_id DESC LIMIT ?`, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []BusinessEvent
	for rows.Next() {
		var (
			e                           BusinessEvent
			entityType, entityID, detls sql.NullString
			created                     int64
		)
		if err := rows.Scan(&e.EventType, &e.ServiceName, &entityType, &entityID,
			&e.Action, &detls, &e.Success, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EntityType = entityType.String
		e.EntityID = entityID.String
		e.Details = detls.String
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetentionConfig holds per-table retention in days. Zero keeps everything.
type RetentionConfig struct {
	MetricsDays    int
	EventLogsDays  int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes rows past their retention.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		query string
		days  int
	}{
		{"DELETE FROM metrics_timeseries WHERE timestamp < ?", cfg.MetricsDays},
		{"DELETE FROM business_event_logs WHERE created_at < ?", cfg.EventLogsDays},
		{"DELETE FROM worker_heartbeats WHERE timestamp < ?", cfg.HeartbeatsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, t.query, now-int64(t.days*86400)); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
