package observability_test

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/odontiq/odontiq/dbopen"
	"github.com/odontiq/odontiq/observability"
)

func TestEventLogger(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	l := observability.NewEventLogger(db)
	l.LogTaskEvent(ctx, observability.TaskEvent{
		TaskID: "t1", TaskType: "panoramic", Event: observability.EventAdmitted,
	})
	l.LogTaskEvent(ctx, observability.TaskEvent{
		TaskID: "t1", TaskType: "panoramic", Event: observability.EventCompleted,
	})

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM task_events WHERE task_id = 't1'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("events %d, want 2", n)
	}
}

func TestHeartbeat(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	h := observability.NewHeartbeatWriter(db, "worker-1", time.Hour)
	h.Start(ctx)
	h.Stop()

	hb, err := observability.LatestHeartbeat(ctx, db, "worker-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hb == nil {
		t.Fatal("expected a heartbeat row")
	}
	if hb.WorkerName != "worker-1" || !hb.Alive {
		t.Fatalf("heartbeat %+v", hb)
	}

	hb, err = observability.LatestHeartbeat(ctx, db, "absent", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hb != nil {
		t.Fatal("unknown worker should have no heartbeat")
	}
}

func TestHeartbeatStaleness(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).Unix()
	if _, err := db.Exec(`
		INSERT INTO worker_heartbeats (heartbeat_id, worker_name, hostname, worker_pid, goroutines, timestamp)
		VALUES ('hb_x', 'worker-1', 'host', 1, 10, ?)`, old); err != nil {
		t.Fatal(err)
	}

	hb, err := observability.LatestHeartbeat(ctx, db, "worker-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hb == nil || hb.Alive {
		t.Fatalf("heartbeat %+v, want stale", hb)
	}
}

func TestCleanup(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	old := time.Now().Add(-72 * time.Hour).Unix()
	if _, err := db.Exec(`
		INSERT INTO task_events (event_id, task_id, task_type, event, detail, created_at)
		VALUES ('evt_old', 't1', 'panoramic', 'completed', '', ?)`, old); err != nil {
		t.Fatal(err)
	}
	observability.NewEventLogger(db).LogTaskEvent(ctx, observability.TaskEvent{
		TaskID: "t2", TaskType: "panoramic", Event: observability.EventCompleted,
	})

	if err := observability.Cleanup(ctx, db, observability.RetentionConfig{TaskEventsDays: 1}); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM task_events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("events %d after cleanup, want 1", n)
	}
}
