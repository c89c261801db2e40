// Package queue provides at-least-once delivery of import envelopes: an
// in-memory queue for single-process use and a SQLite-backed durable queue
// that survives restarts.
package queue

import "errors"

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")
