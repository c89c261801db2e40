// Package worker consumes queued envelopes: each one is normalised, upserted
// into the job store and counted on its run.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
	"github.com/amishk599/jobfeed/internal/normalize"
)

// Store is what the processor needs from persistence.
type Store interface {
	ImportJob(ctx context.Context, runID, envelopeID string, item model.CanonicalItem) (model.Outcome, error)
	RecordFailure(ctx context.Context, runID, envelopeID string, f model.Failure, terminal bool) error
}

// Processor handles one delivery at a time.
type Processor struct {
	store  Store
	logger *slog.Logger
}

// NewProcessor creates a Processor writing to store.
func NewProcessor(store Store, logger *slog.Logger) *Processor {
	return &Processor{store: store, logger: logger}
}

// Process normalises and imports one delivery. Items without an identity
// are recorded as failed and return nil. Store errors are recorded on the
// run and returned as *model.PersistenceError; they count as failed only on
// the delivery's last attempt.
func (p *Processor) Process(ctx context.Context, d *model.Delivery) error {
	logger := p.logger.With("run_id", d.RunID, "envelope_id", d.ID, "attempt", d.Attempt)

	item, err := normalize.Normalize(d.Item, d.FeedIdentity)
	if err != nil {
		f := model.Failure{Reason: reason(err), Item: d.Item, At: time.Now().UTC(), Attempt: d.Attempt}
		if rerr := p.store.RecordFailure(ctx, d.RunID, d.ID, f, true); rerr != nil {
			logger.Error("recording item failure", "reason", f.Reason, "error", rerr)
			return &model.PersistenceError{Op: "recording item failure", Err: rerr}
		}
		logger.Warn("item skipped", "reason", f.Reason)
		return nil
	}

	out, err := p.store.ImportJob(ctx, d.RunID, d.ID, item)
	if err != nil {
		terminal := d.LastAttempt()
		f := model.Failure{
			Reason:   err.Error(),
			Item:     d.Item,
			At:       time.Now().UTC(),
			Attempt:  d.Attempt,
			Retrying: !terminal,
		}
		if rerr := p.store.RecordFailure(ctx, d.RunID, d.ID, f, terminal); rerr != nil {
			logger.Error("recording import failure", "import_error", err, "error", rerr)
		}
		logger.Warn("job import failed", "external_id", item.ExternalID, "terminal", terminal, "error", err)
		return &model.PersistenceError{Op: "importing job " + item.ExternalID, Err: err}
	}

	logger.Debug("job imported",
		"external_id", item.ExternalID,
		"outcome", out.Kind,
		"job_id", out.JobID,
		"replayed", out.Replayed,
	)
	return nil
}

func reason(err error) string {
	if errors.Is(err, model.ErrIdentityMissing) {
		return model.ErrIdentityMissing.Error()
	}
	return err.Error()
}
