package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"comment-dm/internal/domain"

	"github.com/google/uuid"
)

// -- Accounts --

func (r *SQLiteRepository) UpsertAccount(ctx context.Context, acc domain.Account) error {
	status := acc.Status
	if status == "" {
		status = domain.AccountStatusActive
	}
	now := millis(time.Now())
	const q = `
INSERT INTO accounts (user_id, platform_account_id, username, access_token, token_expires_at, status, status_reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    platform_account_id = excluded.platform_account_id,
    username = excluded.username,
    access_token = excluded.access_token,
    token_expires_at = excluded.token_expires_at,
    status = excluded.status,
    status_reason = excluded.status_reason,
    updated_at = excluded.updated_at;
`
	_, err := r.db.ExecContext(ctx, q,
		acc.UserID,
		acc.PlatformAccountID,
		acc.Username,
		acc.AccessToken,
		millisPtr(acc.TokenExpiresAt),
		status,
		acc.StatusReason,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

const sqliteAccountColumns = `user_id, platform_account_id, username, access_token, token_expires_at, status, status_reason, updated_at`

func scanSQLiteAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	var (
		acc       domain.Account
		expires   sql.NullInt64
		reason    sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&acc.UserID, &acc.PlatformAccountID, &acc.Username, &acc.AccessToken, &expires, &acc.Status, &reason, &updatedAt); err != nil {
		return nil, err
	}
	acc.TokenExpiresAt = fromNullMillis(expires)
	acc.StatusReason = fromNullString(reason)
	acc.UpdatedAt = fromMillis(updatedAt)
	return &acc, nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	q := `SELECT ` + sqliteAccountColumns + ` FROM accounts WHERE user_id = ? LIMIT 1;`
	acc, err := scanSQLiteAccount(r.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (r *SQLiteRepository) ListConnectedAccounts(ctx context.Context, at time.Time) ([]domain.Account, error) {
	q := `SELECT ` + sqliteAccountColumns + `
FROM accounts
WHERE status = 'active'
  AND access_token <> ''
  AND platform_account_id <> ''
  AND (token_expires_at IS NULL OR token_expires_at > ?)
ORDER BY user_id ASC;`
	rows, err := r.db.QueryContext(ctx, q, millis(at))
	if err != nil {
		return nil, fmt.Errorf("list connected accounts: %w", err)
	}
	defer rows.Close()

	var res []domain.Account
	for rows.Next() {
		acc, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, *acc)
	}
	return res, rows.Err()
}

func (r *SQLiteRepository) MarkAccountFault(ctx context.Context, userID, reason string) error {
	const q = `UPDATE accounts SET status = ?, status_reason = ?, updated_at = ? WHERE user_id = ?`
	ct, err := r.db.ExecContext(ctx, q, domain.AccountStatusCredentialInvalid, reason, millis(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("mark account fault: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("mark account fault %s: %w", userID, ErrNotFound)
	}
	return nil
}

// -- Rules and templates --

func (r *SQLiteRepository) InsertTemplate(ctx context.Context, tpl domain.Template) (*domain.Template, error) {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	tpl.CreatedAt = time.Now().UTC()
	const q = `INSERT INTO message_templates (id, user_id, name, content, created_at) VALUES (?, ?, ?, ?, ?);`
	if _, err := r.db.ExecContext(ctx, q, tpl.ID, tpl.UserID, tpl.Name, tpl.Content, millis(tpl.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	return &tpl, nil
}

func (r *SQLiteRepository) InsertRule(ctx context.Context, rule domain.Rule) (*domain.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.KeywordLogic == "" {
		rule.KeywordLogic = domain.KeywordLogicAny
	}
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now
	const q = `
INSERT INTO automation_rules (
    id, user_id, name, keywords, keyword_logic, exclude_keywords, case_sensitive,
    min_comment_length, max_comment_length, must_be_follower, cooldown_hours, max_dms_per_day,
    priority, is_active, scheduled_start_at, scheduled_end_at, message_template_id, created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := r.db.ExecContext(ctx, q,
		rule.ID,
		rule.UserID,
		rule.Name,
		keywordsJSON(rule.Keywords),
		string(rule.KeywordLogic),
		keywordsJSON(rule.ExcludeKeywords),
		boolInt(rule.CaseSensitive),
		rule.MinCommentLength,
		rule.MaxCommentLength,
		boolInt(rule.MustBeFollower),
		rule.CooldownHours,
		rule.MaxDmsPerDay,
		rule.Priority,
		boolInt(rule.Active),
		millisPtr(rule.ScheduledStartAt),
		millisPtr(rule.ScheduledEndAt),
		rule.TemplateID,
		millis(now),
		millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return &rule, nil
}

func (r *SQLiteRepository) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	q := `SELECT ` + ruleColumns + `
FROM automation_rules r
LEFT JOIN message_templates t ON t.id = r.message_template_id
WHERE r.id = ?
LIMIT 1;`
	rule, err := scanSQLiteRule(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (r *SQLiteRepository) ListActiveRules(ctx context.Context, userID string) ([]domain.Rule, error) {
	q := `SELECT ` + ruleColumns + `
FROM automation_rules r
LEFT JOIN message_templates t ON t.id = r.message_template_id
WHERE r.user_id = ? AND r.is_active = 1
ORDER BY r.priority DESC, r.rowid ASC;`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		rule, err := scanSQLiteRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func (r *SQLiteRepository) IncrementRuleTriggered(ctx context.Context, ruleID string) error {
	return r.bumpRuleCounter(ctx, ruleID, "total_triggered")
}

func (r *SQLiteRepository) IncrementRuleFailed(ctx context.Context, ruleID string) error {
	return r.bumpRuleCounter(ctx, ruleID, "total_failed")
}

func (r *SQLiteRepository) bumpRuleCounter(ctx context.Context, ruleID, column string) error {
	q := `UPDATE automation_rules SET ` + column + ` = ` + column + ` + 1, updated_at = ? WHERE id = ?`
	ct, err := r.db.ExecContext(ctx, q, millis(time.Now()), ruleID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("increment %s for rule %s: %w", column, ruleID, ErrNotFound)
	}
	return nil
}

func scanSQLiteRule(row interface{ Scan(...any) error }) (*domain.Rule, error) {
	var (
		rule                            domain.Rule
		keywords, excludes, logic       string
		caseSensitive, follower, active int
		minLen, maxLen                  sql.NullInt64
		start, end, lastTriggered       sql.NullInt64
		templateID, templateContent     sql.NullString
		createdAt, updatedAt            int64
	)
	if err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Name,
		&keywords,
		&logic,
		&excludes,
		&caseSensitive,
		&minLen,
		&maxLen,
		&follower,
		&rule.CooldownHours,
		&rule.MaxDmsPerDay,
		&rule.Priority,
		&active,
		&start,
		&end,
		&templateID,
		&templateContent,
		&rule.TotalTriggered,
		&rule.TotalSent,
		&rule.TotalFailed,
		&lastTriggered,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if rule.Keywords, err = keywordsFromJSON([]byte(keywords)); err != nil {
		return nil, err
	}
	if rule.ExcludeKeywords, err = keywordsFromJSON([]byte(excludes)); err != nil {
		return nil, err
	}
	rule.KeywordLogic = domain.ParseKeywordLogic(logic)
	rule.CaseSensitive = caseSensitive != 0
	rule.MustBeFollower = follower != 0
	rule.Active = active != 0
	rule.MinCommentLength = fromNullInt(minLen)
	rule.MaxCommentLength = fromNullInt(maxLen)
	rule.ScheduledStartAt = fromNullMillis(start)
	rule.ScheduledEndAt = fromNullMillis(end)
	rule.TemplateID = fromNullString(templateID)
	rule.TemplateContent = fromNullString(templateContent)
	rule.LastTriggeredAt = fromNullMillis(lastTriggered)
	rule.CreatedAt = fromMillis(createdAt)
	rule.UpdatedAt = fromMillis(updatedAt)
	return &rule, nil
}

// -- DM logs --

func (r *SQLiteRepository) HasDmLog(ctx context.Context, dedupKey string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM dm_logs WHERE dedup_key = ?);`, dedupKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup dm log: %w", err)
	}
	return exists != 0, nil
}

func (r *SQLiteRepository) InsertFailedDmLog(ctx context.Context, log domain.DmLog) (bool, error) {
	log.Status = domain.DmStatusFailed
	log.CreditsUsed = 0
	res, err := sqliteInsertDmLog(ctx, r.db, log, time.Now(), true)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func sqliteInsertDmLog(ctx context.Context, db sqlExecer, log domain.DmLog, at time.Time, ignoreConflict bool) (sql.Result, error) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	q := `INSERT INTO dm_logs (
    id, user_id, automation_rule_id, message_template_id, recipient_user_id, recipient_username,
    message_content, trigger_comment, post_url, dedup_key, status, failure_reason, credits_used, sent_at, created_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreConflict {
		q += `
ON CONFLICT (dedup_key) DO NOTHING`
	}
	res, err := db.ExecContext(ctx, q,
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
		millisPtr(log.SentAt),
		millis(at),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, fmt.Errorf("insert dm log: %w", ErrDuplicateLog)
		}
		return nil, fmt.Errorf("insert dm log: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) CountSentByRuleSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM dm_logs WHERE automation_rule_id = ? AND status = 'SENT' AND created_at >= ?;`
	var n int
	if err := r.db.QueryRowContext(ctx, q, ruleID, millis(since)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sent by rule: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) CountSentByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM dm_logs WHERE user_id = ? AND status = 'SENT' AND created_at >= ?;`
	var n int
	if err := r.db.QueryRowContext(ctx, q, userID, millis(since)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sent by user: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) ListDmLogs(ctx context.Context, filter domain.DmLogFilter) ([]domain.DmLog, int, error) {
	filter.Normalize()

	where := []string{"user_id = ?"}
	args := []any{filter.UserID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RuleID != "" {
		where = append(where, "automation_rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, millis(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, millis(*filter.To))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dm_logs WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dm logs: %w", err)
	}

	q := `
SELECT id, user_id, COALESCE(automation_rule_id, ''), message_template_id, recipient_user_id, recipient_username,
       message_content, trigger_comment, post_url, dedup_key, status, failure_reason, credits_used, sent_at, created_at
FROM dm_logs
WHERE ` + clause + `
ORDER BY created_at DESC, rowid DESC
LIMIT ? OFFSET ?;`
	rows, err := r.db.QueryContext(ctx, q, append(args, filter.Limit, filter.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dm logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.DmLog
	for rows.Next() {
		var (
			log        domain.DmLog
			status     string
			templateID sql.NullString
			reason     sql.NullString
			sentAt     sql.NullInt64
			createdAt  int64
		)
		if err := rows.Scan(&log.ID, &log.UserID, &log.RuleID, &templateID, &log.RecipientID, &log.RecipientName,
			&log.Message, &log.CommentText, &log.PostRef, &log.DedupKey, &status, &reason, &log.CreditsUsed,
			&sentAt, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan dm log: %w", err)
		}
		log.Status = domain.DmStatus(status)
		log.TemplateID = fromNullString(templateID)
		log.FailureReason = fromNullString(reason)
		log.SentAt = fromNullMillis(sentAt)
		log.CreatedAt = fromMillis(createdAt)
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dm logs: %w", err)
	}
	return logs, total, nil
}

// -- Credits --

func (r *SQLiteRepository) GrantCredits(ctx context.Context, grant domain.CreditGrant) (*domain.CreditGrant, error) {
	if grant.Amount <= 0 {
		return nil, fmt.Errorf("grant credits: amount must be positive")
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	grant.CreatedAt = time.Now().UTC()
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const q = `INSERT INTO credits (id, user_id, amount, expires_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?);`
		now := millis(grant.CreatedAt)
		if _, err := tx.ExecContext(ctx, q, grant.ID, grant.UserID, grant.Amount, millisPtr(grant.ExpiresAt), now, now); err != nil {
			return fmt.Errorf("insert credits: %w", err)
		}
		return sqliteInsertTransaction(ctx, tx, grant.UserID, txTypeGrant, grant.Amount, "credit grant", grant.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	return &grant, nil
}

func (r *SQLiteRepository) CreditBalance(ctx context.Context, userID string, at time.Time) (int64, error) {
	const q = `
SELECT COALESCE(SUM(amount), 0)
FROM credits
WHERE user_id = ? AND amount > 0 AND (expires_at IS NULL OR expires_at > ?);
`
	var balance int64
	if err := r.db.QueryRowContext(ctx, q, userID, millis(at)).Scan(&balance); err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

func (r *SQLiteRepository) DebitCredits(ctx context.Context, userID string, amount int64, at time.Time, description string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteDebitTx(ctx, tx, userID, amount, at); err != nil {
			return err
		}
		return sqliteInsertTransaction(ctx, tx, userID, txTypeUsage, -amount, description, at)
	})
}

func (r *SQLiteRepository) CommitSent(ctx context.Context, c domain.SentCommit) error {
	log := c.Log
	log.Status = domain.DmStatusSent
	log.CreditsUsed = int(c.Credits)
	if log.SentAt == nil {
		at := c.At
		log.SentAt = &at
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if c.Credits > 0 {
			if err := sqliteDebitTx(ctx, tx, log.UserID, c.Credits, c.At); err != nil {
				return err
			}
		}
		if _, err := sqliteInsertDmLog(ctx, tx, log, c.At, false); err != nil {
			return err
		}
		if err := sqliteRecordContact(ctx, tx, log.UserID, log.RecipientID, c.At); err != nil {
			return err
		}
		if log.RuleID != "" {
			const q = `UPDATE automation_rules SET total_sent = total_sent + 1, last_triggered_at = ?, updated_at = ? WHERE id = ?;`
			if _, err := tx.ExecContext(ctx, q, millis(c.At), millis(c.At), log.RuleID); err != nil {
				return fmt.Errorf("update rule stats: %w", err)
			}
		}
		if c.Credits > 0 {
			if err := sqliteInsertTransaction(ctx, tx, log.UserID, txTypeUsage, -c.Credits, c.Description, c.At); err != nil {
				return err
			}
		}
		const analytics = `
INSERT INTO analytics_daily (user_id, date, dms_sent, credits_used)
VALUES (?, ?, 1, ?)
ON CONFLICT (user_id, date) DO UPDATE
SET dms_sent = analytics_daily.dms_sent + 1,
    credits_used = analytics_daily.credits_used + excluded.credits_used;
`
		if _, err := tx.ExecContext(ctx, analytics, log.UserID, analyticsDate(c.At), c.Credits); err != nil {
			return fmt.Errorf("upsert analytics: %w", err)
		}
		return nil
	})
}

// sqliteDebitTx relies on the immediate transaction lock for serialization.
func sqliteDebitTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, at time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("debit credits: amount must be positive")
	}
	const q = `
SELECT id, amount
FROM credits
WHERE user_id = ? AND amount > 0 AND (expires_at IS NULL OR expires_at > ?)
ORDER BY expires_at IS NULL, expires_at ASC, created_at ASC;
`
	rows, err := tx.QueryContext(ctx, q, userID, millis(at))
	if err != nil {
		return fmt.Errorf("select credits: %w", err)
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
		if _, err := tx.ExecContext(ctx, `UPDATE credits SET amount = amount - ?, updated_at = ? WHERE id = ?`, take, millis(at), g.id); err != nil {
			return fmt.Errorf("debit grant %s: %w", g.id, err)
		}
		remaining -= take
	}
	return nil
}

func sqliteInsertTransaction(ctx context.Context, db sqlExecer, userID, kind string, amount int64, description string, at time.Time) error {
	const q = `INSERT INTO transactions (id, user_id, type, amount, status, description, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`
	if _, err := db.ExecContext(ctx, q, uuid.NewString(), userID, kind, amount, txStatusSettled, description, millis(at)); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// -- Rate limits --

func (r *SQLiteRepository) GetRateLimit(ctx context.Context, userID, recipientID string) (*domain.RateLimitRecord, error) {
	const q = `
SELECT user_id, recipient_user_id, last_contacted_at, contact_count
FROM rate_limits
WHERE user_id = ? AND recipient_user_id = ?;
`
	var (
		rec  domain.RateLimitRecord
		last int64
	)
	err := r.db.QueryRowContext(ctx, q, userID, recipientID).Scan(&rec.UserID, &rec.RecipientID, &last, &rec.ContactCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get rate limit: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	rec.LastContactedAt = fromMillis(last)
	return &rec, nil
}

func (r *SQLiteRepository) RecordContact(ctx context.Context, userID, recipientID string, at time.Time) error {
	return sqliteRecordContact(ctx, r.db, userID, recipientID, at)
}

func sqliteRecordContact(ctx context.Context, db sqlExecer, userID, recipientID string, at time.Time) error {
	const q = `
INSERT INTO rate_limits (user_id, recipient_user_id, last_contacted_at, contact_count, updated_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (user_id, recipient_user_id) DO UPDATE
SET last_contacted_at = excluded.last_contacted_at,
    contact_count = rate_limits.contact_count + 1,
    updated_at = excluded.updated_at
WHERE rate_limits.last_contacted_at < excluded.last_contacted_at;
`
	if _, err := db.ExecContext(ctx, q, userID, recipientID, millis(at), millis(time.Now())); err != nil {
		return fmt.Errorf("record contact: %w", err)
	}
	return nil
}

// -- System logs --

func (r *SQLiteRepository) InsertSystemLog(ctx context.Context, entry domain.SystemLog) error {
	meta, err := toJSON(entry.Metadata)
	if err != nil {
		return err
	}
	const q = `INSERT INTO system_logs (id, level, category, message, user_id, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`
	_, err = r.db.ExecContext(ctx, q, uuid.NewString(), entry.Level, entry.Category, entry.Message, entry.UserID, jsonParam(meta), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("insert system log: %w", err)
	}
	return nil
}
