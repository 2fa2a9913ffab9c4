// Package ratelimit tracks when each recipient was last messaged.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comment-dm/internal/domain"
	"comment-dm/internal/repo"
)

// Store is the persistence the tracker needs.
type Store interface {
	GetRateLimit(ctx context.Context, userID, recipientID string) (*domain.RateLimitRecord, error)
	RecordContact(ctx context.Context, userID, recipientID string, at time.Time) error
}

// Tracker reads and advances per-(user, recipient) contact records.
type Tracker struct {
	store Store
}

// New creates a tracker.
func New(store Store) *Tracker {
	return &Tracker{store: store}
}

// LastContact returns the last time the user messaged the recipient. ok is
// false when they have never been in contact.
func (t *Tracker) LastContact(ctx context.Context, userID, recipientID string) (at time.Time, ok bool, err error) {
	rec, err := t.store.GetRateLimit(ctx, userID, recipientID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get rate limit: %w", err)
	}
	return rec.LastContactedAt, true, nil
}

// RecordContact advances the record to at. Older timestamps leave the
// record untouched, so replays are harmless.
func (t *Tracker) RecordContact(ctx context.Context, userID, recipientID string, at time.Time) error {
	if err := t.store.RecordContact(ctx, userID, recipientID, at.UTC()); err != nil {
		return fmt.Errorf("record contact: %w", err)
	}
	return nil
}

// InCooldown reports whether the recipient was contacted within cooldown
// before now. A non-positive cooldown never blocks.
func (t *Tracker) InCooldown(ctx context.Context, userID, recipientID string, cooldown time.Duration, now time.Time) (bool, error) {
	if cooldown <= 0 {
		return false, nil
	}
	last, ok, err := t.LastContact(ctx, userID, recipientID)
	if err != nil || !ok {
		return false, err
	}
	return last.After(now.Add(-cooldown)), nil
}
