package taskqueue_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/odontiq/odontiq/dbopen"
	"github.com/odontiq/odontiq/taskqueue"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func newQ(t *testing.T, db *sql.DB, opts taskqueue.Options) *taskqueue.Queue {
	t.Helper()
	q := taskqueue.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPushAndClaim(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Push(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	id, ok, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != "t1" {
		t.Fatalf("got (%q, %v), want (t1, true)", id, ok)
	}

	// Claimed item is invisible.
	_, ok, err = q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("claimed item should be invisible")
	}
}

func TestFIFOOrder(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: time.Second})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		id, ok, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || id != want {
			t.Fatalf("got (%q, %v), want (%q, true)", id, ok, want)
		}
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: 30 * time.Millisecond})
	ctx := context.Background()

	if err := q.Push(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := q.Claim(ctx); err != nil || !ok {
		t.Fatalf("first claim: (%v, %v)", ok, err)
	}

	time.Sleep(60 * time.Millisecond)

	id, ok, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != "t1" {
		t.Fatalf("expected redelivery of t1, got (%q, %v)", id, ok)
	}
}

func TestAckIsTerminal(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: 30 * time.Millisecond})
	ctx := context.Background()

	if err := q.Push(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)

	_, ok, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("acked item must never be redelivered")
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("len %d after ack, want 0", n)
	}
}

func TestNackReturnsToHead(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: time.Minute})
	ctx := context.Background()

	for _, id := range []string{"first", "second"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Nack(ctx, "first"); err != nil {
		t.Fatal(err)
	}

	id, ok, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != "first" {
		t.Fatalf("got (%q, %v), want nacked item ahead of the queue", id, ok)
	}
}

func TestExtendDefersRedelivery(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: 30 * time.Millisecond})
	ctx := context.Background()

	if err := q.Push(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Extend(ctx, "t1", time.Minute); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)

	_, ok, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("extended item should remain invisible past the old timeout")
	}
}

func TestPopLongPolls(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: time.Second, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		q.Push(context.Background(), "late")
	}()

	id, ok, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != "late" {
		t.Fatalf("got (%q, %v), want (late, true)", id, ok)
	}
}

func TestPopTimesOutEmpty(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: time.Second, PollInterval: 10 * time.Millisecond})

	start := time.Now()
	_, ok, err := q.Pop(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no item")
	}
	if time.Since(start) > time.Second {
		t.Fatal("pop waited far past its deadline")
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskqueue.Options{Visibility: time.Minute})
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		if err := q.Push(ctx, string(rune('A'+i))); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok, err := q.Claim(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("claimed %d distinct items, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("item %q claimed %d times", id, c)
		}
	}
}
