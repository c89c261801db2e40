package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amishk599/jobfeed/internal/model"
	"github.com/amishk599/jobfeed/internal/queue"
)

// Handler processes one delivery. A nil error acks it.
type Handler interface {
	Process(ctx context.Context, d *model.Delivery) error
}

// Pool runs a fixed number of dequeue loops against one queue.
type Pool struct {
	queue       model.Queue
	handler     Handler
	concurrency int
	logger      *slog.Logger
}

// NewPool creates a pool of concurrency loops. Values below 1 mean 1.
func NewPool(q model.Queue, handler Handler, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{queue: q, handler: handler, concurrency: concurrency, logger: logger}
}

// Run blocks until ctx is cancelled or the queue closes. Deliveries in
// flight are finished and settled before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, logger, d)
	}
}

func (p *Pool) handle(ctx context.Context, logger *slog.Logger, d *model.Delivery) {
	// A claimed delivery runs to completion and is settled even when
	// shutdown cancels ctx mid-item.
	settleCtx := context.WithoutCancel(ctx)

	if err := p.handler.Process(settleCtx, d); err != nil {
		if nerr := p.queue.Nack(settleCtx, d, err); nerr != nil {
			logger.Error("nack failed", "envelope_id", d.ID, "error", nerr)
		}
		return
	}
	if err := p.queue.Ack(settleCtx, d); err != nil {
		logger.Error("ack failed", "envelope_id", d.ID, "error", err)
	}
}
