package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amishk599/jobfeed/internal/model"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "queue.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	q, err := NewSQLiteQueue(db, 5*time.Millisecond, time.Minute, discardLogger())
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	return q
}

func TestSQLiteQueueRoundTrip(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	env := model.Envelope{
		ID:           "e1",
		RunID:        "r1",
		FeedIdentity: "https://example.com/feed",
		Item:         model.RawItem{"guid": "a1", "id": json.Number("9007199254740993")},
	}
	if err := q.Enqueue(ctx, env, fastPolicy(2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d, err := dequeueWithin(t, q, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d.ID != "e1" || d.RunID != "r1" || d.FeedIdentity != env.FeedIdentity {
		t.Errorf("delivery = %+v", d)
	}
	if d.Attempt != 1 || d.MaxAttempts != 2 {
		t.Errorf("attempt %d/%d, want 1/2", d.Attempt, d.MaxAttempts)
	}
	if d.Item["id"] != json.Number("9007199254740993") {
		t.Errorf("item id = %#v", d.Item["id"])
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, err := dequeueWithin(t, q, 30*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want empty queue", err)
	}
}

func TestSQLiteQueueNackThenDead(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, model.Envelope{ID: "e1", RunID: "r1"}, fastPolicy(2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d, err := dequeueWithin(t, q, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Nack(ctx, d, errors.New("locked")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	d2, err := dequeueWithin(t, q, time.Second)
	if err != nil {
		t.Fatalf("Dequeue retry: %v", err)
	}
	if d2.Attempt != 2 || !d2.LastAttempt() {
		t.Fatalf("retry attempt = %d, want last attempt 2", d2.Attempt)
	}
	if err := q.Nack(ctx, d2, errors.New("still locked")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	dead, err := q.Dead(ctx)
	if err != nil {
		t.Fatalf("Dead: %v", err)
	}
	if len(dead) != 1 || dead[0] != "e1" {
		t.Errorf("dead = %v, want [e1]", dead)
	}
	if _, err := dequeueWithin(t, q, 30*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, dead envelope must not be redelivered", err)
	}
}

func TestSQLiteQueueReclaimsExpiredClaims(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, model.Envelope{ID: "e1"}, fastPolicy(3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := dequeueWithin(t, q, time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	// The worker vanished without ack or nack.
	base := time.Now().UTC()
	q.now = func() time.Time { return base.Add(2 * time.Minute) }

	d, err := dequeueWithin(t, q, time.Second)
	if err != nil {
		t.Fatalf("Dequeue after visibility timeout: %v", err)
	}
	if d.ID != "e1" || d.Attempt != 2 {
		t.Errorf("reclaimed = %+v, want e1 attempt 2", d)
	}
}

func TestSQLiteQueueBuriesExpiredLastAttempt(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, model.Envelope{ID: "e1", RunID: "r1"}, fastPolicy(2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d, err := dequeueWithin(t, q, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Nack(ctx, d, errors.New("database is locked")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	base := time.Now().UTC()
	q.now = func() time.Time { return base.Add(time.Second) }
	d, err = dequeueWithin(t, q, time.Second)
	if err != nil {
		t.Fatalf("Dequeue retry: %v", err)
	}
	if d.Attempt != 2 || !d.LastAttempt() {
		t.Fatalf("retry = %+v, want last attempt 2/2", d)
	}

	// The worker crashed on the last attempt.
	q.now = func() time.Time { return base.Add(10 * time.Minute) }
	if d, err := dequeueWithin(t, q, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got delivery %+v (err %v), want none past max attempts", d, err)
	}

	dead, err := q.Dead(ctx)
	if err != nil {
		t.Fatalf("Dead: %v", err)
	}
	if len(dead) != 1 || dead[0] != "e1" {
		t.Errorf("dead = %v, want [e1]", dead)
	}
}

func TestSQLiteQueueEnqueueSameIDOnce(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, model.Envelope{ID: "e1"}, fastPolicy(1)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := dequeueWithin(t, q, time.Second); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := dequeueWithin(t, q, 30*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want single delivery", err)
	}
}

func TestSQLiteQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	open := func() (*sql.DB, *SQLiteQueue) {
		db, err := sql.Open("sqlite", "file:"+path)
		if err != nil {
			t.Fatalf("sql.Open: %v", err)
		}
		db.SetMaxOpenConns(1)
		q, err := NewSQLiteQueue(db, 5*time.Millisecond, time.Minute, discardLogger())
		if err != nil {
			t.Fatalf("NewSQLiteQueue: %v", err)
		}
		return db, q
	}

	db, q := open()
	if err := q.Enqueue(context.Background(), model.Envelope{ID: "e1"}, fastPolicy(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	db.Close()

	db2, q2 := open()
	defer db2.Close()
	d, err := dequeueWithin(t, q2, time.Second)
	if err != nil {
		t.Fatalf("Dequeue after reopen: %v", err)
	}
	if d.ID != "e1" {
		t.Errorf("id = %s", d.ID)
	}
}
