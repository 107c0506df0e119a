package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics is a point-in-time reading of the Go runtime.
type RuntimeMetrics struct {
	Goroutines    int
	MemoryAllocMB float64
	MemorySysMB   float64
	GCCount       uint32
}

// CollectRuntimeMetrics reads the current runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:   float64(mem.Sys) / 1024 / 1024,
		GCCount:       mem.NumGC,
	}
}

// HeartbeatWriter records that a long-running flowctl process (serve) is
// alive, so /health can tell a stuck collector from an idle one.
type HeartbeatWriter struct {
	db       *sql.DB
	worker   string
	hostname string
	pid      int
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeatWriter creates a writer. A zero interval means 15s.
func NewHeartbeatWriter(db *sql.DB, worker string, interval time.Duration) *HeartbeatWriter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:       db,
		worker:   worker,
		hostname: hostname,
		pid:      os.Getpid(),
		interval: interval,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Interval returns the configured beat interval.
func (hw *HeartbeatWriter) Interval() time.Duration { return hw.interval }

// Start writes one heartbeat immediately, then one per interval until Stop
// is called or ctx is done.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// WriteHeartbeat inserts one row with the current runtime metrics.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	m := CollectRuntimeMetrics()
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.worker, hw.hostname, hw.pid, time.Now().Unix(),
		m.Goroutines, m.MemoryAllocMB, m.MemorySysMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// Stop ends the loop and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("heartbeat write failed", "worker", hw.worker, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
		}
	}
}

// HeartbeatStatus is the latest heartbeat of a worker with its liveness.
type HeartbeatStatus struct {
	Worker        string         `json:"worker"`
	Hostname      string         `json:"hostname"`
	PID           int            `json:"pid"`
	Timestamp     time.Time      `json:"timestamp"`
	Goroutines    int            `json:"goroutines"`
	MemoryAllocMB float64        `json:"memory_alloc_mb"`
	MemorySysMB   float64        `json:"memory_sys_mb"`
	GCCount       int            `json:"gc_count"`
	Alive         bool           `json:"alive"`
	StaleFor      *time.Duration `json:"stale_for,omitempty"`
}

// LatestHeartbeat returns the newest heartbeat of worker, or nil, nil when it
// never wrote one. A beat older than staleness marks the worker not alive.
func LatestHeartbeat(ctx context.Context, db *sql.DB, worker string, staleness time.Duration) (*HeartbeatStatus, error) {
	var (
		hs HeartbeatStatus
		ts int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`, worker).
		Scan(&hs.Worker, &hs.Hostname, &hs.PID, &ts,
			&hs.Goroutines, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}

	hs.Timestamp = time.Unix(ts, 0)
	if age := time.Since(hs.Timestamp); age <= staleness {
		hs.Alive = true
	} else {
		stale := age - staleness
		hs.StaleFor = &stale
	}
	return &hs, nil
}
