package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/amishk599/jobfeed/internal/model"
)

// Dispatcher starts an import run for one feed.
type Dispatcher interface {
	Dispatch(ctx context.Context, feedURL string) (*model.Run, error)
}

// Scheduler owns the main loop: ticks on an interval and dispatches each feed sequentially.
type Scheduler struct {
	dispatcher Dispatcher
	feeds      []string
	interval   time.Duration
	pause      time.Duration
	logger     *slog.Logger
}

// NewScheduler creates a scheduler that dispatches all feeds at the given interval.
func NewScheduler(dispatcher Dispatcher, feeds []string, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		feeds:      feeds,
		interval:   interval,
		pause:      time.Second,
		logger:     logger,
	}
}

// Run starts the polling loop. It runs one immediate cycle, then ticks on the
// configured interval. It returns nil when ctx is cancelled (graceful shutdown).
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		"interval", s.interval.String(),
		"feeds", len(s.feeds),
	)

	s.dispatchAll(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down scheduler")
			return nil
		case <-time.After(s.interval):
			s.dispatchAll(ctx)
		}
	}
}

// dispatchAll dispatches each feed sequentially with a small pause between feeds.
func (s *Scheduler) dispatchAll(ctx context.Context) {
	for i, feedURL := range s.feeds {
		if ctx.Err() != nil {
			return
		}

		run, err := s.dispatcher.Dispatch(ctx, feedURL)
		switch {
		case err != nil:
			s.logger.Error("dispatch failed",
				"feed", feedURL,
				"error", err,
			)
		case run.FailedJobs > 0 && run.Planned == 0:
			s.logger.Warn("feed fetch failed, run recorded",
				"feed", feedURL,
				"run_id", run.ID,
			)
		}

		// Small sleep between feeds to be polite, except after the last one.
		if i < len(s.feeds)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.pause):
			}
		}
	}
}
