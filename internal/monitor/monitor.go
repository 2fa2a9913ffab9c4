// Package monitor scans a user's recent comments and queues the direct
// messages their rules call for.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"comment-dm/internal/dmlog"
	"comment-dm/internal/domain"
	"comment-dm/internal/metrics"
	"comment-dm/internal/platform"
	"comment-dm/internal/queue"
	"comment-dm/internal/repo"
	"comment-dm/internal/rules"

	"golang.org/x/sync/errgroup"
)

// ErrNotConnected is returned for users without a usable platform account.
var ErrNotConnected = platform.ErrNotConnected

// Store is the persistence a monitoring pass needs.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
	MarkAccountFault(ctx context.Context, userID, reason string) error
	InsertSystemLog(ctx context.Context, entry domain.SystemLog) error
}

// Config tunes monitoring passes.
type Config struct {
	PostLimit   int
	Concurrency int
}

// Summary reports what one pass did.
type Summary struct {
	UserID        string `json:"user_id"`
	Comments      int    `json:"comments"`
	Processed     int    `json:"already_processed"`
	AlreadyQueued int    `json:"already_queued"`
	NoMatch       int    `json:"no_match"`
	Enqueued      int    `json:"enqueued"`
	Errors        int    `json:"errors"`
	DurationMS    int64  `json:"duration_ms"`
}

// Monitor runs monitoring passes.
type Monitor struct {
	store   Store
	source  platform.CommentSource
	matcher *rules.Matcher
	dedup   *dmlog.Log
	queue   queue.Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New wires a monitor.
func New(cfg Config, store Store, source platform.CommentSource, matcher *rules.Matcher, dedup *dmlog.Log, q queue.Queue, metrics *metrics.Metrics, logger *slog.Logger) *Monitor {
	if cfg.PostLimit <= 0 {
		cfg.PostLimit = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Monitor{
		store:   store,
		source:  source,
		matcher: matcher,
		dedup:   dedup,
		queue:   q,
		metrics: metrics,
		logger:  logger.With("component", "monitor"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// RunMonitoringPass fetches the user's recent comments, matches each one not
// yet handled and enqueues the resulting requests. It returns once every
// enqueue has completed; delivery happens asynchronously.
func (m *Monitor) RunMonitoringPass(ctx context.Context, userID string) (Summary, error) {
	start := time.Now()
	summary := Summary{UserID: userID}

	acc, err := m.store.GetAccount(ctx, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return summary, fmt.Errorf("load account: %w", err)
	}
	if acc == nil || !acc.Connected(m.now()) {
		return summary, fmt.Errorf("%w: user %s", ErrNotConnected, userID)
	}

	comments, err := m.source.RecentComments(ctx, userID, m.cfg.PostLimit)
	if err != nil {
		m.reportFailure(ctx, userID, err)
		return summary, fmt.Errorf("fetch comments: %w", err)
	}
	summary.Comments = len(comments)

	var processed, queued, noMatch, enqueued, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, c := range comments {
		c := c
		g.Go(func() error {
			outcome, err := m.evaluate(gctx, userID, c)
			if err != nil {
				failed.Add(1)
				m.logger.Warn("comment evaluation failed", "user_id", userID, "comment_id", c.ID, "error", err)
				m.observe("error")
				return nil
			}
			switch outcome {
			case outcomeProcessed:
				processed.Add(1)
			case outcomeQueued:
				queued.Add(1)
			case outcomeNoMatch:
				noMatch.Add(1)
			case outcomeEnqueued:
				enqueued.Add(1)
			}
			m.observe(outcome)
			return nil
		})
	}
	_ = g.Wait()

	summary.Processed = int(processed.Load())
	summary.AlreadyQueued = int(queued.Load())
	summary.NoMatch = int(noMatch.Load())
	summary.Enqueued = int(enqueued.Load())
	summary.Errors = int(failed.Load())
	summary.DurationMS = time.Since(start).Milliseconds()

	if summary.Errors > 0 {
		m.systemLog(ctx, userID, "WARN", "Some comments could not be evaluated", map[string]any{"errors": summary.Errors})
	}
	m.logger.Info("monitoring pass finished",
		"user_id", userID,
		"comments", summary.Comments,
		"enqueued", summary.Enqueued,
		"errors", summary.Errors,
		"duration_ms", summary.DurationMS,
	)
	return summary, ctx.Err()
}

const (
	outcomeProcessed = "already_processed"
	outcomeQueued    = "already_queued"
	outcomeNoMatch   = "no_match"
	outcomeEnqueued  = "enqueued"
)

func (m *Monitor) evaluate(ctx context.Context, userID string, c domain.Comment) (string, error) {
	probe := domain.DispatchRequest{UserID: userID, RecipientID: c.AuthorID, CommentText: c.Text, PostRef: c.PostRef}
	seen, err := m.dedup.Seen(ctx, probe)
	if err != nil {
		return "", err
	}
	if seen {
		return outcomeProcessed, nil
	}
	pending, err := m.queue.Pending(ctx, probe.DedupKey())
	if err != nil {
		return "", err
	}
	if pending {
		return outcomeQueued, nil
	}

	res, err := m.matcher.Match(ctx, userID, c)
	if err != nil {
		return "", err
	}
	if !res.Matched {
		return outcomeNoMatch, nil
	}
	job, err := m.queue.Enqueue(ctx, res.Request(userID, c))
	if errors.Is(err, queue.ErrAlreadyQueued) {
		return outcomeQueued, nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	m.logger.Debug("dispatch queued", "user_id", userID, "rule_id", res.Rule.ID, "recipient_id", c.AuthorID, "job_id", job.ID)
	return outcomeEnqueued, nil
}

func (m *Monitor) reportFailure(ctx context.Context, userID string, cause error) {
	if m.metrics != nil {
		m.metrics.Errors.WithLabelValues("monitor").Inc()
	}
	m.logger.Error("monitoring pass failed", "user_id", userID, "error", cause)
	if platform.IsFatal(cause) {
		if err := m.store.MarkAccountFault(ctx, userID, cause.Error()); err != nil {
			m.logger.Warn("mark account fault", "user_id", userID, "error", err)
		}
	}
	m.systemLog(ctx, userID, "ERROR", "Failed to monitor user comments", map[string]any{"error": cause.Error()})
}

func (m *Monitor) systemLog(ctx context.Context, userID, level, message string, metadata map[string]any) {
	metadata["user_id"] = userID
	err := m.store.InsertSystemLog(context.WithoutCancel(ctx), domain.SystemLog{
		Level:    level,
		Category: "comment_monitor",
		Message:  message,
		UserID:   &userID,
		Metadata: metadata,
	})
	if err != nil {
		m.logger.Warn("insert system log", "user_id", userID, "error", err)
	}
}

func (m *Monitor) observe(outcome string) {
	if m.metrics != nil {
		m.metrics.CommentsEvaluated.WithLabelValues(outcome).Inc()
	}
}
