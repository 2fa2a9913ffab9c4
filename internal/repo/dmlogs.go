package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"comment-dm/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// HasDmLog reports whether an outcome has been recorded for the dedup key.
func (r *PostgresRepository) HasDmLog(ctx context.Context, dedupKey string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM dm_logs WHERE dedup_key = $1);`
	var exists bool
	if err := r.pool.QueryRow(ctx, q, dedupKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup dm log: %w", err)
	}
	return exists, nil
}

// InsertFailedDmLog records a FAILED outcome. It returns false when an
// outcome for the same dedup key already exists.
func (r *PostgresRepository) InsertFailedDmLog(ctx context.Context, log domain.DmLog) (bool, error) {
	log.Status = domain.DmStatusFailed
	log.CreditsUsed = 0
	ct, err := insertDmLog(ctx, r.pool, log, true)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertDmLog(ctx context.Context, db execer, log domain.DmLog, ignoreConflict bool) (pgconn.CommandTag, error) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	q := `
INSERT INTO dm_logs (
    id, user_id, automation_rule_id, message_template_id, recipient_user_id, recipient_username,
    message_content, trigger_comment, post_url, dedup_key, status, failure_reason, credits_used, sent_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	if ignoreConflict {
		q += `
ON CONFLICT (dedup_key) DO NOTHING`
	}
	ct, err := db.Exec(ctx, q,
		log.ID,
		log.UserID,
		nullableString(log.RuleID),
		log.TemplateID,
		log.RecipientID,
		log.RecipientName,
		log.Message,
		log.CommentText,
		log.PostRef,
		log.DedupKey,
		string(log.Status),
		log.FailureReason,
		log.CreditsUsed,
		log.SentAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ct, fmt.Errorf("insert dm log: %w", ErrDuplicateLog)
		}
		return ct, fmt.Errorf("insert dm log: %w", err)
	}
	return ct, nil
}

// CountSentByRuleSince counts SENT logs for a rule created at or after since.
func (r *PostgresRepository) CountSentByRuleSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM dm_logs WHERE automation_rule_id = $1 AND status = 'SENT' AND created_at >= $2;`
	var n int
	if err := r.pool.QueryRow(ctx, q, ruleID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sent by rule: %w", err)
	}
	return n, nil
}

// CountSentByUserSince counts SENT logs for a user created at or after since.
func (r *PostgresRepository) CountSentByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM dm_logs WHERE user_id = $1 AND status = 'SENT' AND created_at >= $2;`
	var n int
	if err := r.pool.QueryRow(ctx, q, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sent by user: %w", err)
	}
	return n, nil
}

// ListDmLogs returns a page of logs matching the filter, newest first, and
// the total number of matching rows.
func (r *PostgresRepository) ListDmLogs(ctx context.Context, filter domain.DmLogFilter) ([]domain.DmLog, int, error) {
	filter.Normalize()

	where := []string{"user_id = $1"}
	args := []any{filter.UserID}
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.RuleID != "" {
		add("automation_rule_id = $%d", filter.RuleID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dm_logs WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dm logs: %w", err)
	}

	q := fmt.Sprintf(`
SELECT id, user_id, COALESCE(automation_rule_id, ''), message_template_id, recipient_user_id, recipient_username,
       message_content, trigger_comment, post_url, dedup_key, status, failure_reason, credits_used, sent_at, created_at
FROM dm_logs
WHERE %s
ORDER BY created_at DESC
LIMIT %d OFFSET %d;`, clause, filter.Limit, filter.Offset())
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dm logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.DmLog
	for rows.Next() {
		var (
			log    domain.DmLog
			status string
		)
		if err := rows.Scan(&log.ID, &log.UserID, &log.RuleID, &log.TemplateID, &log.RecipientID, &log.RecipientName,
			&log.Message, &log.CommentText, &log.PostRef, &log.DedupKey, &status, &log.FailureReason, &log.CreditsUsed,
			&log.SentAt, &log.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan dm log: %w", err)
		}
		log.Status = domain.DmStatus(status)
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dm logs: %w", err)
	}
	return logs, total, nil
}

// GetRateLimit returns the rate-limit record for the pair.
func (r *PostgresRepository) GetRateLimit(ctx context.Context, userID, recipientID string) (*domain.RateLimitRecord, error) {
	const q = `
SELECT user_id, recipient_user_id, last_contacted_at, contact_count
FROM rate_limits
WHERE user_id = $1 AND recipient_user_id = $2;
`
	var rec domain.RateLimitRecord
	err := r.pool.QueryRow(ctx, q, userID, recipientID).Scan(&rec.UserID, &rec.RecipientID, &rec.LastContactedAt, &rec.ContactCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get rate limit: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	return &rec, nil
}

// RecordContact upserts the rate-limit record. The record only moves forward
// in time; an older or equal timestamp leaves it untouched.
func (r *PostgresRepository) RecordContact(ctx context.Context, userID, recipientID string, at time.Time) error {
	return recordContact(ctx, r.pool, userID, recipientID, at)
}

func recordContact(ctx context.Context, db execer, userID, recipientID string, at time.Time) error {
	const q = `
INSERT INTO rate_limits (user_id, recipient_user_id, last_contacted_at, contact_count, updated_at)
VALUES ($1, $2, $3, 1, NOW())
ON CONFLICT (user_id, recipient_user_id) DO UPDATE
SET last_contacted_at = EXCLUDED.last_contacted_at,
    contact_count = rate_limits.contact_count + 1,
    updated_at = NOW()
WHERE rate_limits.last_contacted_at < EXCLUDED.last_contacted_at;
`
	if _, err := db.Exec(ctx, q, userID, recipientID, at); err != nil {
		return fmt.Errorf("record contact: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
