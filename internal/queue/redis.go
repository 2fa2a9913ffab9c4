package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"comment-dm/internal/cache"
	"comment-dm/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const blockTimeout = time.Second

// Redis is a durable Queue built on the reliable-list pattern: consumers
// atomically move a job from the waiting list to the in-flight list and
// remove it from there on Ack. A hash of dedup keys marks pending comments.
type Redis struct {
	client   *redis.Client
	waiting  string
	inFlight string
	pending  string
	logger   *slog.Logger
	closed   chan struct{}
	once     sync.Once
}

var _ Queue = (*Redis)(nil)

// NewRedis creates a queue under the given name, namespaced by the cache
// prefix.
func NewRedis(r *cache.Redis, name string, logger *slog.Logger) *Redis {
	if name == "" {
		name = "dispatch"
	}
	return &Redis{
		client:   r.Client(),
		waiting:  r.Key("queue:" + name + ":waiting"),
		inFlight: r.Key("queue:" + name + ":inflight"),
		pending:  r.Key("queue:" + name + ":pending"),
		logger:   logger.With("component", "queue"),
		closed:   make(chan struct{}),
	}
}

func (q *Redis) Enqueue(ctx context.Context, req domain.DispatchRequest) (Job, error) {
	select {
	case <-q.closed:
		return Job{}, ErrClosed
	default:
	}
	job := Job{ID: uuid.NewString(), Request: req, EnqueuedAt: time.Now().UTC()}
	payload, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w", err)
	}
	job.raw = string(payload)

	key := req.DedupKey()
	ok, err := q.client.HSetNX(ctx, q.pending, key, job.ID).Result()
	if err != nil {
		return Job{}, fmt.Errorf("mark pending: %w", err)
	}
	if !ok {
		return Job{}, ErrAlreadyQueued
	}
	if err := q.client.LPush(ctx, q.waiting, job.raw).Err(); err != nil {
		q.client.HDel(context.WithoutCancel(ctx), q.pending, key)
		return Job{}, fmt.Errorf("push job: %w", err)
	}
	return job, nil
}

func (q *Redis) Pending(ctx context.Context, dedupKey string) (bool, error) {
	ok, err := q.client.HExists(ctx, q.pending, dedupKey).Result()
	if err != nil {
		return false, fmt.Errorf("check pending: %w", err)
	}
	return ok, nil
}

func (q *Redis) Dequeue(ctx context.Context) (Job, error) {
	for {
		select {
		case <-q.closed:
			return Job{}, ErrClosed
		case <-ctx.Done():
			return Job{}, ctx.Err()
		default:
		}
		raw, err := q.client.BLMove(ctx, q.waiting, q.inFlight, "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("move job: %w", err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			q.logger.Error("dropping undecodable job", "error", err)
			q.client.LRem(ctx, q.inFlight, 1, raw)
			continue
		}
		return job, nil
	}
}

func (q *Redis) Ack(ctx context.Context, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.inFlight, 1, job.raw)
	pipe.HDel(ctx, q.pending, job.Request.DedupKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Redis) DropRule(ctx context.Context, ruleID string) (int, error) {
	items, err := q.client.LRange(ctx, q.waiting, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list waiting: %w", err)
	}
	dropped := 0
	for _, raw := range items {
		job, err := decodeJob(raw)
		if err != nil || job.Request.RuleID != ruleID {
			continue
		}
		// A zero count means a worker took it first.
		n, err := q.client.LRem(ctx, q.waiting, 1, raw).Result()
		if err != nil {
			return dropped, fmt.Errorf("drop job %s: %w", job.ID, err)
		}
		if n > 0 {
			q.client.HDel(ctx, q.pending, job.Request.DedupKey())
			dropped++
		}
	}
	return dropped, nil
}

func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waiting)
	inFlight := pipe.LLen(ctx, q.inFlight)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Waiting: int(waiting.Val()), InFlight: int(inFlight.Val())}, nil
}

// Recover assumes no other consumer is running against the same queue.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		// Newest first onto the consuming end leaves the oldest next in line.
		err := q.client.LMove(ctx, q.inFlight, q.waiting, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover jobs: %w", err)
		}
		n++
	}
	if n > 0 {
		q.logger.Info("recovered in-flight jobs", "count", n)
	}
	return n, nil
}

func (q *Redis) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func decodeJob(raw string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	job.raw = raw
	return job, nil
}
