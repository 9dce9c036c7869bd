// Package taskqueue hands taskIds from the ingress to workers with
// at-least-once delivery and a visibility timeout, backed by SQLite.
//
// A popped item is invisible to other consumers until the holder acks it,
// nacks it, or the visibility timeout expires. A worker that crashes between
// Pop and Ack therefore causes automatic redelivery; terminality is enforced
// one level up by record presence in the task store, not here.
//
// The queue carries only taskIds; the store is the single source of truth
// for task state. Ordering is FIFO over enqueue order for items that have
// never been claimed; a nacked item returns to the head.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS task_queue (
//	    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
//	    task_id     TEXT NOT NULL UNIQUE,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    enqueued_at INTEGER NOT NULL,            -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE INDEX IF NOT EXISTS idx_task_queue_visible ON task_queue (visible_at, seq);
package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a popped item stays invisible.
	// Keep it at least 2× the expected p99 inference latency. Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts inside Pop.
	// Default: 250ms.
	PollInterval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureTable creates the task_queue table and index if they don't exist.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS task_queue (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL UNIQUE,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_task_queue_visible ON task_queue (visible_at, seq);
	`)
	return err
}

// Push appends taskID to the tail. Returns after the durable enqueue.
func (q *Queue) Push(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO task_queue (task_id, visible_at, enqueued_at) VALUES (?, 0, ?)`,
		taskID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("taskqueue: push %s: %w", taskID, err)
	}
	return nil
}

// Claim atomically picks the frontmost visible item, hides it for the
// visibility duration, and returns its taskId. Returns ok=false when
// nothing is visible.
func (q *Queue) Claim(ctx context.Context) (taskID string, ok bool, err error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE task_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE seq = (
			SELECT seq FROM task_queue
			WHERE visible_at <= ?
			ORDER BY visible_at ASC, seq ASC
			LIMIT 1
		)
		RETURNING task_id`,
		hideUntil, now.UnixMilli(),
	)

	err = row.Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("taskqueue: claim: %w", err)
	}
	return taskID, true, nil
}

// Pop long-polls for a visible item for up to wait, claiming the first one
// that appears. Returns ok=false if wait elapses with nothing visible.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (taskID string, ok bool, err error) {
	deadline := time.Now().Add(wait)

	for {
		taskID, ok, err = q.Claim(ctx)
		if err != nil || ok {
			return taskID, ok, err
		}
		if !time.Now().Add(q.opts.PollInterval).Before(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// Ack removes the item permanently.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("taskqueue: ack %s: %w", taskID, err)
	}
	return nil
}

// Nack returns the item to the head: visible immediately, ahead of items
// whose enqueue is more recent.
func (q *Queue) Nack(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE task_queue SET visible_at = 0 WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("taskqueue: nack %s: %w", taskID, err)
	}
	return nil
}

// Extend pushes the visibility timeout forward for an item that needs more
// processing time.
func (q *Queue) Extend(ctx context.Context, taskID string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE task_queue SET visible_at = ? WHERE task_id = ?`, hideUntil, taskID)
	if err != nil {
		return fmt.Errorf("taskqueue: extend %s: %w", taskID, err)
	}
	return nil
}

// Len returns the total number of items (visible + invisible).
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue`).Scan(&n)
	return n, err
}
