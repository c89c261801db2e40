package model

import "time"

// Run is the ledger of one fetch campaign against one feed.
type Run struct {
	ID             string    `json:"id"`
	FeedIdentity   string    `json:"feedIdentity"`
	ReprocessJobID string    `json:"reprocessJobId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Planned        int       `json:"planned"`
	TotalFetched   int       `json:"totalFetched"`
	TotalImported  int       `json:"totalImported"`
	NewJobs        int       `json:"newJobs"`
	UpdatedJobs    int       `json:"updatedJobs"`
	FailedJobs     int       `json:"failedJobs"`
	Failures       []Failure `json:"failures"`
}

// Failure is one entry of a run's failure list. Item is nil when no item
// was in scope (fetch errors). Retrying entries were followed by another
// delivery attempt and do not count toward FailedJobs.
type Failure struct {
	Reason   string    `json:"reason"`
	Item     RawItem   `json:"item"`
	At       time.Time `json:"at"`
	Attempt  int       `json:"attempt,omitempty"`
	Retrying bool      `json:"retrying,omitempty"`
}

// Done reports whether every planned item has a terminal outcome. It is
// only meaningful once the dispatcher has set Planned.
func (r *Run) Done() bool {
	return r.TotalImported+r.FailedJobs >= r.Planned
}

// Envelope is the unit of work handed to the queue.
type Envelope struct {
	ID           string  `json:"id"`
	RunID        string  `json:"runId"`
	FeedIdentity string  `json:"feedIdentity"`
	Item         RawItem `json:"item"`
}

// Delivery is an envelope as handed to a worker, with its attempt number.
type Delivery struct {
	Envelope
	Attempt     int
	MaxAttempts int
}

// LastAttempt reports whether a failure of this delivery is terminal.
func (d *Delivery) LastAttempt() bool {
	return d.Attempt >= d.MaxAttempts
}

// OutcomeKind is the terminal result of one envelope.
type OutcomeKind string

const (
	OutcomeNew     OutcomeKind = "new"
	OutcomeUpdated OutcomeKind = "updated"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is what ImportJob did with one envelope.
type Outcome struct {
	Kind     OutcomeKind
	JobID    string
	Replayed bool
}
