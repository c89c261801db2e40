package model

import (
	"context"
	"time"
)

// RawItem is one feed item as parsed from XML or JSON, before normalisation.
type RawItem map[string]any

// CanonicalItem is the normalised form of a RawItem, ready to be persisted.
type CanonicalItem struct {
	ExternalID  string
	SourceFeed  string
	Title       string
	Company     string
	Description string
	Location    string
	Raw         RawItem
}

// Job is a persisted posting. (ExternalID, SourceFeed) is unique.
type Job struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"externalId"`
	SourceFeed  string    `json:"sourceFeed"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Raw         RawItem   `json:"raw"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// JobQuery selects a page of jobs. Filters are case-insensitive substrings;
// Search matches title, company or location.
type JobQuery struct {
	Search   string
	Title    string
	Company  string
	Location string
	Page
}

// Page is a 1-based page request.
type Page struct {
	Page  int
	Limit int
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// FeedFetcher retrieves a feed and returns its items, whatever the dialect.
type FeedFetcher interface {
	FetchItems(ctx context.Context, feedURL string) ([]RawItem, error)
}

// JobStore persists deduplicated jobs.
type JobStore interface {
	// ImportJob upserts item by (ExternalID, SourceFeed) and counts the result
	// on the run. The outcome is recorded once per (runID, envelopeID); a
	// repeated call returns the recorded outcome with Replayed set.
	ImportJob(ctx context.Context, runID, envelopeID string, item CanonicalItem) (Outcome, error)
	FindJob(ctx context.Context, externalID, sourceFeed string) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, q JobQuery) ([]Job, int, error)
}

// LedgerStore persists run ledgers.
type LedgerStore interface {
	CreateRun(ctx context.Context, feedIdentity, reprocessJobID string) (*Run, error)
	SetPlanned(ctx context.Context, runID string, planned int) error
	// RecordFailure appends f to the run. When terminal is true the failure
	// also counts toward FailedJobs, at most once per envelopeID.
	RecordFailure(ctx context.Context, runID, envelopeID string, f Failure, terminal bool) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, p Page) ([]Run, int, error)
}

// Store is a backend holding both jobs and run ledgers.
type Store interface {
	JobStore
	LedgerStore
	Close() error
}

// Queue delivers envelopes to workers at least once.
type Queue interface {
	Enqueue(ctx context.Context, env Envelope, policy RetryPolicy) error
	// Dequeue blocks until a delivery is ready or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack schedules a retry per the envelope's policy, or drops it once
	// the attempts are exhausted.
	Nack(ctx context.Context, d *Delivery, cause error) error
}
