package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
)

// MemoryQueue is a channel-backed queue. Retries are scheduled with timers;
// anything still queued when the process exits is lost.
type MemoryQueue struct {
	ready  chan *model.Delivery
	done   chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	policies map[string]model.RetryPolicy
	timers   map[*time.Timer]struct{}
}

var _ model.Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to buffer ready deliveries.
// Enqueue blocks while the buffer is full.
func NewMemoryQueue(buffer int, logger *slog.Logger) *MemoryQueue {
	if buffer < 1 {
		buffer = 1
	}
	return &MemoryQueue{
		ready:    make(chan *model.Delivery, buffer),
		done:     make(chan struct{}),
		logger:   logger,
		policies: make(map[string]model.RetryPolicy),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Enqueue hands env to the queue as its first attempt.
func (q *MemoryQueue) Enqueue(ctx context.Context, env model.Envelope, policy model.RetryPolicy) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("enqueueing envelope %s: %w", env.ID, model.ErrQueueUnavailable)
	}
	q.policies[env.ID] = policy
	q.mu.Unlock()

	d := &model.Delivery{Envelope: env, Attempt: 1, MaxAttempts: policy.MaxAttempts}
	select {
	case q.ready <- d:
		return nil
	case <-q.done:
		return fmt.Errorf("enqueueing envelope %s: %w", env.ID, model.ErrQueueUnavailable)
	case <-ctx.Done():
		q.forget(env.ID)
		return fmt.Errorf("enqueueing envelope %s: %w: %w", env.ID, model.ErrQueueUnavailable, ctx.Err())
	}
}

// Dequeue blocks until a delivery is ready, ctx is done or the queue closes.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*model.Delivery, error) {
	select {
	case d := <-q.ready:
		return d, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack marks d as handled.
func (q *MemoryQueue) Ack(_ context.Context, d *model.Delivery) error {
	q.forget(d.ID)
	return nil
}

// Nack schedules the next attempt after the envelope's backoff, or drops the
// envelope once its attempts are used up.
func (q *MemoryQueue) Nack(_ context.Context, d *model.Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	policy := q.policies[d.ID]
	if d.LastAttempt() {
		delete(q.policies, d.ID)
		q.logger.Error("envelope exhausted its attempts, dropping",
			"envelope_id", d.ID,
			"run_id", d.RunID,
			"attempt", d.Attempt,
			"error", cause,
		)
		return nil
	}
	if q.closed {
		return nil
	}

	next := &model.Delivery{Envelope: d.Envelope, Attempt: d.Attempt + 1, MaxAttempts: d.MaxAttempts}
	delay := policy.Backoff.After(d.Attempt)
	q.logger.Warn("envelope failed, scheduling retry",
		"envelope_id", d.ID,
		"run_id", d.RunID,
		"attempt", d.Attempt,
		"delay", delay,
		"error", cause,
	)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		select {
		case q.ready <- next:
		case <-q.done:
		}
	})
	q.timers[t] = struct{}{}
	return nil
}

// Close stops pending retries and releases blocked callers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	close(q.done)
	return nil
}

func (q *MemoryQueue) forget(id string) {
	q.mu.Lock()
	delete(q.policies, id)
	q.mu.Unlock()
}
