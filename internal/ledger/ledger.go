// Package ledger owns the per-user credit balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"comment-dm/internal/domain"
	"comment-dm/internal/keylock"
	"comment-dm/internal/repo"
)

// ErrInsufficientCredit is returned when a debit would overdraw the balance.
var ErrInsufficientCredit = repo.ErrInsufficientCredit

// Store is the persistence the ledger needs.
type Store interface {
	GrantCredits(ctx context.Context, grant domain.CreditGrant) (*domain.CreditGrant, error)
	CreditBalance(ctx context.Context, userID string, at time.Time) (int64, error)
	DebitCredits(ctx context.Context, userID string, amount int64, at time.Time, description string) error
	CommitSent(ctx context.Context, commit domain.SentCommit) error
}

// Ledger serializes every balance mutation of a user behind a per-user lock
// on top of the store's own transactional guarantees.
type Ledger struct {
	store  Store
	locks  keylock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger.
func New(store Store, locks keylock.Locker, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		locks:  locks,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// Balance returns the sum of the user's non-expired grants.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	bal, err := l.store.CreditBalance(ctx, userID, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return bal, nil
}

// Debit removes amount credits, consuming the earliest-expiring grants
// first. It fails with ErrInsufficientCredit without touching the balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, description string) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	release, err := l.locks.Lock(ctx, keylock.CreditKey(userID))
	if err != nil {
		return err
	}
	defer release()

	if err := l.store.DebitCredits(ctx, userID, amount, l.now().UTC(), description); err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	return nil
}

// Grant adds a block of credits. expiresAt may be nil for non-expiring grants.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, expiresAt *time.Time) (*domain.CreditGrant, error) {
	release, err := l.locks.Lock(ctx, keylock.CreditKey(userID))
	if err != nil {
		return nil, err
	}
	defer release()

	grant, err := l.store.GrantCredits(ctx, domain.CreditGrant{
		UserID:    userID,
		Amount:    amount,
		ExpiresAt: expiresAt,
		CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	l.logger.Info("credits granted", "user_id", userID, "amount", amount, "grant_id", grant.ID)
	return grant, nil
}

// Settle records a delivered message: the debit and the SENT log either both
// persist or neither does.
func (l *Ledger) Settle(ctx context.Context, commit domain.SentCommit) error {
	hold, err := l.Hold(ctx, commit.Log.UserID)
	if err != nil {
		return err
	}
	defer hold.Release()
	return hold.Settle(ctx, commit)
}

// Hold takes the user's credit lock until Release, so that a balance check,
// a send and its settlement happen with no other debit in between.
func (l *Ledger) Hold(ctx context.Context, userID string) (*Hold, error) {
	release, err := l.locks.Lock(ctx, keylock.CreditKey(userID))
	if err != nil {
		return nil, err
	}
	return &Hold{ledger: l, userID: userID, release: release}, nil
}

// Hold is an exclusive claim on one user's balance.
type Hold struct {
	ledger  *Ledger
	userID  string
	release func()
	once    sync.Once
}

// Balance returns the held user's balance.
func (h *Hold) Balance(ctx context.Context) (int64, error) {
	return h.ledger.Balance(ctx, h.userID)
}

// Settle commits a SENT dispatch of the held user.
func (h *Hold) Settle(ctx context.Context, commit domain.SentCommit) error {
	if commit.Log.UserID != h.userID {
		return fmt.Errorf("settle: hold is for user %s, commit for %s", h.userID, commit.Log.UserID)
	}
	if commit.At.IsZero() {
		commit.At = h.ledger.now().UTC()
	}
	if err := h.ledger.store.CommitSent(ctx, commit); err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			h.ledger.logger.Warn("settle rejected: balance exhausted", "user_id", h.userID, "recipient_id", commit.Log.RecipientID)
		}
		return fmt.Errorf("commit sent: %w", err)
	}
	return nil
}

// Release gives up the lock. Extra calls are no-ops.
func (h *Hold) Release() {
	h.once.Do(h.release)
}
