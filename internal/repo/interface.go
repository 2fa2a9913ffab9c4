package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"comment-dm/internal/domain"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientCredit is returned when a debit would take the balance below zero.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrDuplicateLog is returned when a SENT log already exists for the dedup key.
	ErrDuplicateLog = errors.New("dm log already recorded")
)

// Store defines the interface for data persistence.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Accounts
	UpsertAccount(ctx context.Context, acc domain.Account) error
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
	ListConnectedAccounts(ctx context.Context, at time.Time) ([]domain.Account, error)
	MarkAccountFault(ctx context.Context, userID, reason string) error

	// Rules and templates
	InsertTemplate(ctx context.Context, tpl domain.Template) (*domain.Template, error)
	InsertRule(ctx context.Context, rule domain.Rule) (*domain.Rule, error)
	GetRule(ctx context.Context, id string) (*domain.Rule, error)
	ListActiveRules(ctx context.Context, userID string) ([]domain.Rule, error)
	IncrementRuleTriggered(ctx context.Context, ruleID string) error
	IncrementRuleFailed(ctx context.Context, ruleID string) error

	// DM logs
	HasDmLog(ctx context.Context, dedupKey string) (bool, error)
	InsertFailedDmLog(ctx context.Context, log domain.DmLog) (bool, error)
	CountSentByRuleSince(ctx context.Context, ruleID string, since time.Time) (int, error)
	CountSentByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListDmLogs(ctx context.Context, filter domain.DmLogFilter) ([]domain.DmLog, int, error)

	// Credits
	GrantCredits(ctx context.Context, grant domain.CreditGrant) (*domain.CreditGrant, error)
	CreditBalance(ctx context.Context, userID string, at time.Time) (int64, error)
	DebitCredits(ctx context.Context, userID string, amount int64, at time.Time, description string) error
	// CommitSent debits the credits and writes the SENT log, rate-limit
	// update, rule stats, usage transaction and daily analytics in one
	// transaction.
	CommitSent(ctx context.Context, commit domain.SentCommit) error

	// Rate limits
	GetRateLimit(ctx context.Context, userID, recipientID string) (*domain.RateLimitRecord, error)
	RecordContact(ctx context.Context, userID, recipientID string, at time.Time) error

	// System logs
	InsertSystemLog(ctx context.Context, entry domain.SystemLog) error
}
