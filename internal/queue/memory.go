package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"comment-dm/internal/domain"

	"github.com/google/uuid"
)

// Memory is an in-process Queue. Jobs do not survive a restart.
type Memory struct {
	mu       sync.Mutex
	waiting  []Job
	inFlight map[string]Job
	pending  map[string]string
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		inFlight: make(map[string]Job),
		pending:  make(map[string]string),
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (q *Memory) Enqueue(_ context.Context, req domain.DispatchRequest) (Job, error) {
	select {
	case <-q.closed:
		return Job{}, ErrClosed
	default:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	key := req.DedupKey()
	if _, ok := q.pending[key]; ok {
		return Job{}, ErrAlreadyQueued
	}
	job := Job{ID: uuid.NewString(), Request: req, EnqueuedAt: time.Now().UTC()}
	q.pending[key] = job.ID
	q.waiting = append(q.waiting, job)
	q.signal()
	return job, nil
}

func (q *Memory) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Memory) Pending(_ context.Context, dedupKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[dedupKey]
	return ok, nil
}

func (q *Memory) Dequeue(ctx context.Context) (Job, error) {
	for {
		if job, ok := q.pop(); ok {
			return job, nil
		}
		select {
		case <-q.closed:
			return Job{}, ErrClosed
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Memory) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return Job{}, false
	}
	job := q.waiting[0]
	q.waiting[0] = Job{}
	q.waiting = q.waiting[1:]
	q.inFlight[job.ID] = job
	if len(q.waiting) > 0 {
		q.signal()
	}
	return job, true
}

func (q *Memory) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, job.ID)
	key := job.Request.DedupKey()
	if q.pending[key] == job.ID {
		delete(q.pending, key)
	}
	return nil
}

func (q *Memory) DropRule(_ context.Context, ruleID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.waiting[:0]
	dropped := 0
	for _, job := range q.waiting {
		if job.Request.RuleID == ruleID {
			delete(q.pending, job.Request.DedupKey())
			dropped++
			continue
		}
		kept = append(kept, job)
	}
	q.waiting = kept
	return dropped, nil
}

func (q *Memory) Stats(context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Waiting: len(q.waiting), InFlight: len(q.inFlight)}, nil
}

func (q *Memory) Recover(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inFlight) == 0 {
		return 0, nil
	}
	recovered := make([]Job, 0, len(q.inFlight))
	for _, job := range q.inFlight {
		recovered = append(recovered, job)
	}
	sortByEnqueued(recovered)
	q.waiting = append(recovered, q.waiting...)
	q.inFlight = make(map[string]Job)
	q.signal()
	return len(recovered), nil
}

func (q *Memory) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func sortByEnqueued(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt) })
}
