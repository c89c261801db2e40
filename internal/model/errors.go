package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIdentityMissing is returned by the normaliser for items with no
	// usable identity. It is an expected outcome, not a fault.
	ErrIdentityMissing = errors.New("missing_external_id")

	// ErrQueueUnavailable is returned when an envelope cannot be enqueued.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrMalformedFeed is wrapped by fetch errors for content that is
	// neither parseable XML nor JSON.
	ErrMalformedFeed = errors.New("malformed feed")

	// ErrFeedTooLarge is wrapped by fetch errors for bodies over the
	// fetcher's size cap.
	ErrFeedTooLarge = errors.New("feed too large")

	// ErrNotFound is returned for unknown job or run ids.
	ErrNotFound = errors.New("not found")
)

// HTTPError wraps an HTTP status code so retry logic can inspect it.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration // from Retry-After header, zero if absent
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// FetchError reports a feed that could not be retrieved or parsed.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a store failure while processing one envelope.
// The queue retries it up to the envelope's attempt limit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
