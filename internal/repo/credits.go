package repo

import (
	"context"
	"fmt"
	"time"

	"comment-dm/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Transaction types and statuses written to the transactions table.
const (
	txTypeUsage     = "USAGE"
	txTypeGrant     = "GRANT"
	txStatusSettled = "COMPLETED"
)

// GrantCredits stores a block of prepaid credits and its GRANT transaction.
func (r *PostgresRepository) GrantCredits(ctx context.Context, grant domain.CreditGrant) (*domain.CreditGrant, error) {
	if grant.Amount <= 0 {
		return nil, fmt.Errorf("grant credits: amount must be positive")
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `
INSERT INTO credits (id, user_id, amount, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING created_at;
`
		if err := tx.QueryRow(ctx, q, grant.ID, grant.UserID, grant.Amount, grant.ExpiresAt).Scan(&grant.CreatedAt); err != nil {
			return fmt.Errorf("insert credits: %w", err)
		}
		return insertTransaction(ctx, tx, grant.UserID, txTypeGrant, grant.Amount, "credit grant")
	})
	if err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	return &grant, nil
}

// CreditBalance sums the unexpired credit grants of a user at the given time.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID string, at time.Time) (int64, error) {
	const q = `
SELECT COALESCE(SUM(amount), 0)
FROM credits
WHERE user_id = $1 AND amount > 0 AND (expires_at IS NULL OR expires_at > $2);
`
	var balance int64
	if err := r.pool.QueryRow(ctx, q, userID, at).Scan(&balance); err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

// DebitCredits consumes amount credits, earliest-expiring grant first, and
// records a USAGE transaction.
func (r *PostgresRepository) DebitCredits(ctx context.Context, userID string, amount int64, at time.Time, description string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := debitTx(ctx, tx, userID, amount, at); err != nil {
			return err
		}
		return insertTransaction(ctx, tx, userID, txTypeUsage, -amount, description)
	})
}

// CommitSent persists the outcome of a successful send atomically.
func (r *PostgresRepository) CommitSent(ctx context.Context, c domain.SentCommit) error {
	log := c.Log
	log.Status = domain.DmStatusSent
	log.CreditsUsed = int(c.Credits)
	if log.SentAt == nil {
		at := c.At
		log.SentAt = &at
	}

	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if c.Credits > 0 {
			if err := debitTx(ctx, tx, log.UserID, c.Credits, c.At); err != nil {
				return err
			}
		}
		if _, err := insertDmLog(ctx, tx, log, false); err != nil {
			return err
		}
		if err := recordContact(ctx, tx, log.UserID, log.RecipientID, c.At); err != nil {
			return err
		}
		if log.RuleID != "" {
			const q = `
UPDATE automation_rules
SET total_sent = total_sent + 1, last_triggered_at = $2, updated_at = NOW()
WHERE id = $1;
`
			if _, err := tx.Exec(ctx, q, log.RuleID, c.At); err != nil {
				return fmt.Errorf("update rule stats: %w", err)
			}
		}
		if c.Credits > 0 {
			if err := insertTransaction(ctx, tx, log.UserID, txTypeUsage, -c.Credits, c.Description); err != nil {
				return err
			}
		}
		const analytics = `
INSERT INTO analytics_daily (user_id, date, dms_sent, credits_used)
VALUES ($1, $2::date, 1, $3)
ON CONFLICT (user_id, date) DO UPDATE
SET dms_sent = analytics_daily.dms_sent + 1,
    credits_used = analytics_daily.credits_used + EXCLUDED.credits_used;
`
		if _, err := tx.Exec(ctx, analytics, log.UserID, analyticsDate(c.At), c.Credits); err != nil {
			return fmt.Errorf("upsert analytics: %w", err)
		}
		return nil
	})
}

// debitTx locks every live grant of the user so concurrent debits serialize,
// then consumes them in expiry order.
func debitTx(ctx context.Context, tx pgx.Tx, userID string, amount int64, at time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("debit credits: amount must be positive")
	}
	const q = `
SELECT id, amount
FROM credits
WHERE user_id = $1 AND amount > 0 AND (expires_at IS NULL OR expires_at > $2)
ORDER BY expires_at ASC NULLS LAST, created_at ASC
FOR UPDATE;
`
	rows, err := tx.Query(ctx, q, userID, at)
	if err != nil {
		return fmt.Errorf("lock credits: %w", err)
	}
	type grant struct {
		id     string
		amount int64
	}
	var (
		grants []grant
		total  int64
	)
	for rows.Next() {
		var g grant
		if err := rows.Scan(&g.id, &g.amount); err != nil {
			rows.Close()
			return fmt.Errorf("scan credits: %w", err)
		}
		grants = append(grants, g)
		total += g.amount
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate credits: %w", err)
	}
	if total < amount {
		return ErrInsufficientCredit
	}

	remaining := amount
	for _, g := range grants {
		if remaining == 0 {
			break
		}
		take := min(g.amount, remaining)
		if _, err := tx.Exec(ctx, `UPDATE credits SET amount = amount - $2, updated_at = NOW() WHERE id = $1`, g.id, take); err != nil {
			return fmt.Errorf("debit grant %s: %w", g.id, err)
		}
		remaining -= take
	}
	return nil
}

func insertTransaction(ctx context.Context, db execer, userID, kind string, amount int64, description string) error {
	const q = `
INSERT INTO transactions (id, user_id, type, amount, status, description)
VALUES ($1, $2, $3, $4, $5, $6);
`
	if _, err := db.Exec(ctx, q, uuid.NewString(), userID, kind, amount, txStatusSettled, description); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
