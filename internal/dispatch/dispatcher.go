// Package dispatch starts import runs: it fetches a feed, opens a run ledger
// and hands one envelope per item to the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amishk599/jobfeed/internal/model"
)

// ReprocessPrefix prefixes the feed identity of runs started by Reprocess.
const ReprocessPrefix = "reprocess:"

// Store is what the dispatcher needs from persistence.
type Store interface {
	model.LedgerStore
	GetJob(ctx context.Context, id string) (*model.Job, error)
}

// Dispatcher creates runs and enqueues their items.
type Dispatcher struct {
	fetcher model.FeedFetcher
	store   Store
	queue   model.Queue
	policy  model.RetryPolicy
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. Every enqueued envelope carries policy.
func NewDispatcher(fetcher model.FeedFetcher, store Store, queue model.Queue, policy model.RetryPolicy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		fetcher: fetcher,
		store:   store,
		queue:   queue,
		policy:  policy,
		logger:  logger,
	}
}

// Dispatch fetches feedURL under a new run and enqueues its items. A fetch
// failure is recorded on the run and is not returned as an error. The
// returned error is non-nil only when the ledger or the queue fails; the run
// is returned whenever it was created.
func (d *Dispatcher) Dispatch(ctx context.Context, feedURL string) (*model.Run, error) {
	run, err := d.store.CreateRun(ctx, feedURL, "")
	if err != nil {
		return nil, fmt.Errorf("creating run for %s: %w", feedURL, err)
	}
	logger := d.logger.With("feed", feedURL, "run_id", run.ID)

	items, err := d.fetcher.FetchItems(ctx, feedURL)
	if err != nil {
		f := model.Failure{Reason: "fetch_error:" + fetchCause(err), At: time.Now().UTC()}
		logger.Error("feed fetch failed", "error", err)
		if rerr := d.store.RecordFailure(ctx, run.ID, "", f, true); rerr != nil {
			logger.Error("recording fetch failure", "error", rerr)
			return run, fmt.Errorf("recording fetch failure on run %s: %w", run.ID, rerr)
		}
		run.FailedJobs++
		run.Failures = append(run.Failures, f)
		return run, nil
	}

	if err := d.store.SetPlanned(ctx, run.ID, len(items)); err != nil {
		logger.Error("setting planned count", "error", err)
		return run, fmt.Errorf("setting planned on run %s: %w", run.ID, err)
	}
	run.Planned = len(items)
	run.TotalFetched = len(items)

	for i, item := range items {
		env := model.Envelope{
			ID:           uuid.NewString(),
			RunID:        run.ID,
			FeedIdentity: feedURL,
			Item:         item,
		}
		if err := d.queue.Enqueue(ctx, env, d.policy); err != nil {
			logger.Error("enqueue failed, abandoning remaining items",
				"enqueued", i,
				"planned", len(items),
				"error", err,
			)
			if !errors.Is(err, model.ErrQueueUnavailable) {
				err = fmt.Errorf("%w: %w", model.ErrQueueUnavailable, err)
			}
			return run, fmt.Errorf("dispatching %s: %w", feedURL, err)
		}
	}

	logger.Info("feed dispatched", "items", len(items))
	return run, nil
}

// Reprocess re-enqueues a stored job's raw payload under a new run whose
// feed identity is "reprocess:<jobID>". The item is imported against the
// job's original source feed, so it updates the same row.
func (d *Dispatcher) Reprocess(ctx context.Context, jobID string) (*model.Run, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reprocessing job %s: %w", jobID, err)
	}

	run, err := d.store.CreateRun(ctx, ReprocessPrefix+jobID, jobID)
	if err != nil {
		return nil, fmt.Errorf("creating reprocess run for job %s: %w", jobID, err)
	}
	logger := d.logger.With("job_id", jobID, "run_id", run.ID)

	if err := d.store.SetPlanned(ctx, run.ID, 1); err != nil {
		return run, fmt.Errorf("setting planned on run %s: %w", run.ID, err)
	}
	run.Planned = 1
	run.TotalFetched = 1

	env := model.Envelope{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		FeedIdentity: job.SourceFeed,
		Item:         reprocessItem(job),
	}
	if err := d.queue.Enqueue(ctx, env, d.policy); err != nil {
		logger.Error("enqueue failed", "error", err)
		if !errors.Is(err, model.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrQueueUnavailable, err)
		}
		return run, fmt.Errorf("reprocessing job %s: %w", jobID, err)
	}

	logger.Info("job queued for reprocessing", "source_feed", job.SourceFeed)
	return run, nil
}

// Await polls the ledger until every planned item of runID has an outcome.
func (d *Dispatcher) Await(ctx context.Context, runID string, every time.Duration) (*model.Run, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := d.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("polling run %s: %w", runID, err)
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// reprocessItem returns the job's raw payload, or rebuilds an item from its
// stored fields when no payload was kept.
func reprocessItem(job *model.Job) model.RawItem {
	if len(job.Raw) > 0 {
		return job.Raw
	}
	return model.RawItem{
		"guid":        job.ExternalID,
		"title":       job.Title,
		"company":     job.Company,
		"description": job.Description,
		"location":    job.Location,
	}
}

func fetchCause(err error) string {
	var fe *model.FetchError
	if errors.As(err, &fe) && fe.Err != nil {
		return fe.Err.Error()
	}
	return err.Error()
}
