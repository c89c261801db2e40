package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
)

// recordingDispatcher records the feeds it was asked to dispatch.
type recordingDispatcher struct {
	mu    sync.Mutex
	order []string
	fail  map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, feedURL string) (*model.Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = append(d.order, feedURL)
	if d.fail[feedURL] {
		return nil, errors.New("queue unavailable")
	}
	return &model.Run{ID: "run-" + feedURL, FeedIdentity: feedURL}, nil
}

func (d *recordingDispatcher) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(d Dispatcher, feeds []string, interval time.Duration) *Scheduler {
	s := NewScheduler(d, feeds, interval, discardLogger())
	s.pause = time.Millisecond
	return s
}

func TestSchedulerRunsImmediateCycleInOrder(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(d, []string{"a", "b", "c"}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(d.calls()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("dispatched %v, want 3 feeds", d.calls())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil on cancel", err)
	}

	got := d.calls()
	for i, want := range []string{"a", "b", "c"} {
		if got[i] != want {
			t.Errorf("call %d = %s, want %s", i, got[i], want)
		}
	}
}

func TestSchedulerContinuesAfterDispatchError(t *testing.T) {
	d := &recordingDispatcher{fail: map[string]bool{"a": true}}
	s := newTestScheduler(d, []string{"a", "b"}, time.Hour)

	s.dispatchAll(context.Background())

	if got := d.calls(); len(got) != 2 {
		t.Errorf("dispatched %v, want both feeds", got)
	}
}

func TestSchedulerTicks(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(d, []string{"a"}, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(d.calls()); n < 2 {
		t.Errorf("dispatched %d times, want repeated cycles", n)
	}
}

func TestSchedulerStopsMidCycle(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(d, []string{"a", "b"}, time.Hour)
	s.pause = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	s.dispatchAll(ctx)

	if got := d.calls(); len(got) != 1 {
		t.Errorf("dispatched %v, want only the first feed", got)
	}
}
