// Package dmlog answers "has this comment been handled" and counts sends
// per calendar day.
package dmlog

import (
	"context"
	"fmt"
	"time"

	"comment-dm/internal/domain"
)

// Store is the persistence the dedup log needs.
type Store interface {
	HasDmLog(ctx context.Context, dedupKey string) (bool, error)
	InsertFailedDmLog(ctx context.Context, log domain.DmLog) (bool, error)
	CountSentByRuleSince(ctx context.Context, ruleID string, since time.Time) (int, error)
	CountSentByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Log wraps the DM log table. Days are cut at midnight in loc.
type Log struct {
	store Store
	loc   *time.Location
}

// New creates a dedup log. A nil loc means UTC.
func New(store Store, loc *time.Location) *Log {
	if loc == nil {
		loc = time.UTC
	}
	return &Log{store: store, loc: loc}
}

// Seen reports whether an outcome already exists for the request's comment.
func (l *Log) Seen(ctx context.Context, req domain.DispatchRequest) (bool, error) {
	ok, err := l.store.HasDmLog(ctx, req.DedupKey())
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return ok, nil
}

// RecordFailure writes the terminal FAILED log for req. It returns false when
// an outcome for the same comment was already on file.
func (l *Log) RecordFailure(ctx context.Context, req domain.DispatchRequest, reason string) (bool, error) {
	entry := domain.NewDmLog(req, domain.DmStatusFailed)
	entry.FailureReason = &reason
	inserted, err := l.store.InsertFailedDmLog(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("insert failed log: %w", err)
	}
	return inserted, nil
}

// SentTodayByRule counts SENT logs of a rule since local midnight.
func (l *Log) SentTodayByRule(ctx context.Context, ruleID string, now time.Time) (int, error) {
	n, err := l.store.CountSentByRuleSince(ctx, ruleID, StartOfDay(now, l.loc))
	if err != nil {
		return 0, fmt.Errorf("count sent by rule: %w", err)
	}
	return n, nil
}

// SentTodayByUser counts SENT logs of a user since local midnight.
func (l *Log) SentTodayByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	n, err := l.store.CountSentByUserSince(ctx, userID, StartOfDay(now, l.loc))
	if err != nil {
		return 0, fmt.Errorf("count sent by user: %w", err)
	}
	return n, nil
}

// StartOfDay returns midnight of t's calendar day in loc, in UTC.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
}
