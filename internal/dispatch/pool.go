package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"comment-dm/internal/metrics"
	"comment-dm/internal/queue"

	"golang.org/x/sync/errgroup"
)

const dequeueErrorPause = time.Second

// Pool runs a fixed number of workers draining a queue.
type Pool struct {
	queue   queue.Queue
	worker  *Worker
	size    int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPool creates a pool of size goroutines.
func NewPool(q queue.Queue, worker *Worker, size int, metrics *metrics.Metrics, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		queue:   q,
		worker:  worker,
		size:    size,
		metrics: metrics,
		logger:  logger.With("component", "dispatch_pool"),
	}
}

// Run recovers jobs left in flight by a previous process, then drains the
// queue until ctx is done or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	if n, err := p.queue.Recover(ctx); err != nil {
		p.logger.Warn("recover in-flight jobs failed", "error", err)
	} else if n > 0 {
		p.logger.Info("requeued unfinished jobs", "count", n)
	}
	p.logger.Info("dispatch workers started", "workers", p.size)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		i := i
		g.Go(func() error {
			p.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("dispatch workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With("worker", id)
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			if sleepCtx(ctx, dequeueErrorPause) != nil {
				return
			}
			continue
		}
		p.handle(ctx, job, log)
		p.updateDepth(ctx)
	}
}

func (p *Pool) handle(ctx context.Context, job queue.Job, log *slog.Logger) {
	req := job.Request
	out, err := p.worker.Process(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Left in flight; Recover hands it out again on the next start.
			log.Info("shutdown interrupted job", "job_id", job.ID)
			return
		}
		log.Error("dispatch failed without outcome", "job_id", job.ID, "error", err)
		p.worker.countError("dispatch")
		if _, ferr := p.worker.fail(ctx, req, CodeInternalError, "internal error: "+err.Error()); ferr != nil {
			log.Error("record failure failed; job stays in flight", "job_id", job.ID, "error", ferr)
			return
		}
	} else {
		log.Debug("job finished", "job_id", job.ID, "code", out.Code, "attempts", out.Attempts)
	}
	if err := p.queue.Ack(context.WithoutCancel(ctx), job); err != nil {
		log.Error("ack failed", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) updateDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return
	}
	p.metrics.QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
	p.metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(stats.InFlight))
}
