package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"comment-dm/internal/domain"

	"golang.org/x/sync/errgroup"
)

// AccountLister lists the accounts a scheduled round covers.
type AccountLister interface {
	ListConnectedAccounts(ctx context.Context, at time.Time) ([]domain.Account, error)
}

// Scheduler runs monitoring passes for every connected account on a fixed
// interval.
type Scheduler struct {
	monitor     *Monitor
	accounts    AccountLister
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewScheduler creates a scheduler. concurrency bounds simultaneous passes.
func NewScheduler(monitor *Monitor, accounts AccountLister, interval time.Duration, concurrency int, logger *slog.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		monitor:     monitor,
		accounts:    accounts,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger.With("component", "scheduler"),
	}
}

// Run blocks, starting a round immediately and then every interval, until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	s.logger.Info("monitor scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunRound(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("monitor round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("monitor scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunRound runs one pass per connected account and returns the summaries of
// the passes that completed.
func (s *Scheduler) RunRound(ctx context.Context) ([]Summary, error) {
	accounts, err := s.accounts.ListConnectedAccounts(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	results := make([]*Summary, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, acc := range accounts {
		i, acc := i, acc
		g.Go(func() error {
			summary, err := s.monitor.RunMonitoringPass(gctx, acc.UserID)
			if err != nil {
				s.logger.Warn("monitoring pass failed", "user_id", acc.UserID, "error", err)
				return nil
			}
			results[i] = &summary
			return nil
		})
	}
	_ = g.Wait()

	summaries := make([]Summary, 0, len(results))
	for _, r := range results {
		if r != nil {
			summaries = append(summaries, *r)
		}
	}
	return summaries, ctx.Err()
}
