// Package observability records task lifecycle events and worker heartbeats
// in a dedicated SQLite database, kept separate from the task store to avoid
// write contention on the hot path.
//
// Nothing here ever blocks or fails the caller: write errors are logged via
// slog and swallowed.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/odontiq/odontiq/idgen"
)

// Schema for the observability database. Idempotent; run via Init.
const schema = `
CREATE TABLE IF NOT EXISTS task_events (
    event_id    TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    task_type   TEXT NOT NULL,
    event       TEXT NOT NULL,
    detail      TEXT,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task    ON task_events (task_id);
CREATE INDEX IF NOT EXISTS idx_task_events_created ON task_events (created_at);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY,
    worker_name  TEXT NOT NULL,
    hostname     TEXT NOT NULL,
    worker_pid   INTEGER NOT NULL,
    goroutines   INTEGER NOT NULL,
    timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker ON worker_heartbeats (worker_name, timestamp);
`

// Init creates the observability tables.
func Init(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Task lifecycle event names.
const (
	EventAdmitted            = "admitted"
	EventCompleted           = "completed"
	EventFailed              = "failed"
	EventCallbackUndelivered = "callback_undelivered"
	EventReaped              = "reaped"
	EventRedeliveredDrop     = "redelivered_drop"
)

// TaskEvent is one lifecycle transition of a task.
type TaskEvent struct {
	TaskID   string
	TaskType string
	Event    string
	Detail   string // optional JSON
}

// EventLogger writes task events.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogTaskEvent records a lifecycle event. Errors are logged, not propagated.
func (l *EventLogger) LogTaskEvent(ctx context.Context, ev TaskEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO task_events (event_id, task_id, task_type, event, detail, created_at)
		VALUES (?,?,?,?,?,?)`,
		l.newID(), ev.TaskID, ev.TaskType, ev.Event, ev.Detail, time.Now().Unix())
	if err != nil {
		slog.Error("observability: task event log failed", "error", err, "event", ev.Event, "task_id", ev.TaskID)
	}
}

// HeartbeatWriter periodically records worker liveness.
type HeartbeatWriter struct {
	db       *sql.DB
	name     string
	interval time.Duration
	newID    idgen.Generator

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatWriter creates a writer that records a row every interval.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration) *HeartbeatWriter {
	return &HeartbeatWriter{
		db:       db,
		name:     workerName,
		interval: interval,
		newID:    idgen.Prefixed("hb_", idgen.Default),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the heartbeat loop. It writes one row immediately.
func (h *HeartbeatWriter) Start(ctx context.Context) {
	go func() {
		defer close(h.done)
		h.write(ctx)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				h.write(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for it to finish.
func (h *HeartbeatWriter) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *HeartbeatWriter) write(ctx context.Context) {
	hostname, _ := os.Hostname()
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (heartbeat_id, worker_name, hostname, worker_pid, goroutines, timestamp)
		VALUES (?,?,?,?,?,?)`,
		h.newID(), h.name, hostname, os.Getpid(), runtime.NumGoroutine(), time.Now().Unix())
	if err != nil {
		slog.Warn("observability: heartbeat failed", "error", err, "worker", h.name)
	}
}

// Heartbeat is the latest liveness snapshot for a worker.
type Heartbeat struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
	Alive      bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat for workerName, with
// Alive computed against staleness. Returns nil when none exist.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleness time.Duration) (*Heartbeat, error) {
	var hb Heartbeat
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, goroutines, timestamp
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName,
	).Scan(&hb.WorkerName, &hb.Hostname, &hb.PID, &hb.Goroutines, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hb.Timestamp = time.Unix(ts, 0)
	hb.Alive = time.Since(hb.Timestamp) <= staleness
	return &hb, nil
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	TaskEventsDays int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	// Whitelists guard the fmt.Sprintf below if this is ever refactored to
	// accept external input.
	allowedTables := map[string]bool{
		"task_events":       true,
		"worker_heartbeats": true,
	}
	allowedColumns := map[string]bool{
		"created_at": true,
		"timestamp":  true,
	}

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"task_events", "created_at", cfg.TaskEventsDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if !allowedTables[t.table] || !allowedColumns[t.column] {
			return fmt.Errorf("cleanup: invalid table/column %s/%s", t.table, t.column)
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
