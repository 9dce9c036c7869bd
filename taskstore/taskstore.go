// Package taskstore is the durable, TTL-bounded record store backing the
// admission gate. One row per in-flight task, keyed by taskId.
//
// The store supplies two guarantees the rest of the system leans on:
//
//   - Create is an atomic insert-if-absent-with-expiry, so concurrent
//     submissions of the same taskId admit exactly one.
//   - A record is visible exactly while the task is in flight. Expired rows
//     are treated as absent everywhere, so a crashed task never blocks
//     re-admission past its TTL.
//
// TTL is fixed at creation and never refreshed: a record either terminates
// via Delete or is reaped.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS tasks (
//	    task_id     TEXT PRIMARY KEY,
//	    record      TEXT NOT NULL,               -- serialized task.Record
//	    created_at  INTEGER NOT NULL,            -- milliseconds since epoch
//	    expires_at  INTEGER NOT NULL             -- milliseconds since epoch
//	);
//	CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks (expires_at);
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odontiq/odontiq/dbopen"
	"github.com/odontiq/odontiq/task"
)

// ErrExists is returned by Create when a live record with the same taskId
// is already present. The ingress maps it to 409 Conflict.
var ErrExists = errors.New("taskstore: task already exists")

// Options configures a Store.
type Options struct {
	// TTL bounds how long an orphaned record survives. Default: 1h.
	TTL time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the task record store handle.
type Store struct {
	db   *sql.DB
	opts Options
}

// New creates a store handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, opts: opts}
}

// EnsureTable creates the tasks table and index if they don't exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id     TEXT PRIMARY KEY,
			record      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks (expires_at);
	`)
	return err
}

// Create atomically inserts rec if no live record with the same taskId
// exists. An expired-but-unreaped row does not count as live: it is removed
// inside the same transaction before the insert. Returns ErrExists on a live
// duplicate. Sets rec.CreatedAt (if zero) and rec.ExpiresAt.
func (s *Store) Create(ctx context.Context, rec *task.Record) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = rec.CreatedAt.Add(s.opts.TTL)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("taskstore: marshal record: %w", err)
	}

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		// Expired rows are semantically absent; clear before inserting so a
		// retried taskId is admissible the instant its TTL passes.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE task_id = ? AND expires_at <= ?`,
			rec.TaskID, now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("taskstore: clear expired: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tasks (task_id, record, created_at, expires_at) VALUES (?,?,?,?)`,
			rec.TaskID, string(payload), rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("taskstore: insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("taskstore: rows affected: %w", err)
		}
		if n == 0 {
			return ErrExists
		}
		return nil
	})
}

// Get returns the record for taskID, or nil if absent or expired.
func (s *Store) Get(ctx context.Context, taskID string) (*task.Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM tasks WHERE task_id = ? AND expires_at > ?`,
		taskID, time.Now().UnixMilli(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: get: %w", err)
	}

	var rec task.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("taskstore: unmarshal record %s: %w", taskID, err)
	}
	return &rec, nil
}

// Exists reports whether a live record for taskID is present.
func (s *Store) Exists(ctx context.Context, taskID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE task_id = ? AND expires_at > ?`,
		taskID, time.Now().UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("taskstore: exists: %w", err)
	}
	return true, nil
}

// Delete removes the record for taskID. Reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("taskstore: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("taskstore: rows affected: %w", err)
	}
	return n > 0, nil
}

// ReapExpired deletes all expired records and returns them, so the caller
// can release per-task resources (uploaded image files).
func (s *Store) ReapExpired(ctx context.Context) ([]*task.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM tasks WHERE expires_at <= ? RETURNING record`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("taskstore: reap: %w", err)
	}
	defer rows.Close()

	var reaped []*task.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return reaped, fmt.Errorf("taskstore: reap scan: %w", err)
		}
		var rec task.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.opts.Logger.Warn("taskstore: reaped record unreadable, skipping", "error", err)
			continue
		}
		reaped = append(reaped, &rec)
	}
	return reaped, rows.Err()
}

// RunReaper reaps expired records every interval until ctx is cancelled.
// onReap, if non-nil, is called once per reaped record.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration, onReap func(*task.Record)) {
	log := s.opts.Logger
	log.Info("taskstore: reaper started", "interval", interval, "ttl", s.opts.TTL)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("taskstore: reaper stopped")
			return
		case <-ticker.C:
			reaped, err := s.ReapExpired(ctx)
			if err != nil {
				log.Warn("taskstore: reap failed", "error", err)
				continue
			}
			for _, rec := range reaped {
				log.Warn("taskstore: reaped orphan record",
					"task_id", rec.TaskID, "task_type", rec.TaskType, "created_at", rec.CreatedAt)
				if onReap != nil {
					onReap(rec)
				}
			}
		}
	}
}

// Count returns the number of live records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE expires_at > ?`, time.Now().UnixMilli(),
	).Scan(&n)
	return n, err
}
