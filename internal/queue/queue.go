// Package queue holds dispatch requests between the matcher and the workers.
package queue

import (
	"context"
	"errors"
	"time"

	"comment-dm/internal/domain"
)

var (
	// ErrAlreadyQueued is returned when a request for the same comment is
	// already waiting or in flight.
	ErrAlreadyQueued = errors.New("dispatch request already queued")
	// ErrClosed is returned by Dequeue once the queue has been closed.
	ErrClosed = errors.New("queue closed")
)

// Job is a queued dispatch request.
type Job struct {
	ID         string                 `json:"id"`
	Request    domain.DispatchRequest `json:"request"`
	EnqueuedAt time.Time              `json:"enqueued_at"`

	raw string
}

// Stats counts jobs by state.
type Stats struct {
	Waiting  int `json:"waiting"`
	InFlight int `json:"in_flight"`
}

// Queue is a FIFO of dispatch requests with at-least-once delivery: a
// dequeued job stays in flight until acknowledged, and Recover returns
// unacknowledged jobs to the waiting list.
type Queue interface {
	// Enqueue appends req. It never blocks on consumers.
	Enqueue(ctx context.Context, req domain.DispatchRequest) (Job, error)
	// Pending reports whether a request with dedupKey is waiting or in flight.
	Pending(ctx context.Context, dedupKey string) (bool, error)
	// Dequeue blocks until a job is available, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (Job, error)
	// Ack marks a dequeued job as finished.
	Ack(ctx context.Context, job Job) error
	// DropRule removes waiting jobs of a rule. In-flight jobs are not touched.
	DropRule(ctx context.Context, ruleID string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	// Recover moves in-flight jobs left by a previous process back to waiting.
	Recover(ctx context.Context) (int, error)
	Close() error
}
