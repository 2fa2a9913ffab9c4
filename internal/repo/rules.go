package repo

import (
	"context"
	"errors"
	"fmt"

	"comment-dm/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const ruleColumns = `
r.id, r.user_id, r.name, r.keywords, r.keyword_logic, r.exclude_keywords, r.case_sensitive,
r.min_comment_length, r.max_comment_length, r.must_be_follower, r.cooldown_hours, r.max_dms_per_day,
r.priority, r.is_active, r.scheduled_start_at, r.scheduled_end_at, r.message_template_id, t.content,
r.total_triggered, r.total_sent, r.total_failed, r.last_triggered_at, r.created_at, r.updated_at`

// InsertTemplate stores a new message template.
func (r *PostgresRepository) InsertTemplate(ctx context.Context, tpl domain.Template) (*domain.Template, error) {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	const q = `
INSERT INTO message_templates (id, user_id, name, content)
VALUES ($1, $2, $3, $4)
RETURNING created_at;
`
	if err := r.pool.QueryRow(ctx, q, tpl.ID, tpl.UserID, tpl.Name, tpl.Content).Scan(&tpl.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	return &tpl, nil
}

// InsertRule stores a new automation rule.
func (r *PostgresRepository) InsertRule(ctx context.Context, rule domain.Rule) (*domain.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.KeywordLogic == "" {
		rule.KeywordLogic = domain.KeywordLogicAny
	}
	const q = `
INSERT INTO automation_rules (
    id, user_id, name, keywords, keyword_logic, exclude_keywords, case_sensitive,
    min_comment_length, max_comment_length, must_be_follower, cooldown_hours, max_dms_per_day,
    priority, is_active, scheduled_start_at, scheduled_end_at, message_template_id
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING created_at, updated_at;
`
	err := r.pool.QueryRow(ctx, q,
		rule.ID,
		rule.UserID,
		rule.Name,
		keywordsJSON(rule.Keywords),
		string(rule.KeywordLogic),
		keywordsJSON(rule.ExcludeKeywords),
		rule.CaseSensitive,
		rule.MinCommentLength,
		rule.MaxCommentLength,
		rule.MustBeFollower,
		rule.CooldownHours,
		rule.MaxDmsPerDay,
		rule.Priority,
		rule.Active,
		rule.ScheduledStartAt,
		rule.ScheduledEndAt,
		rule.TemplateID,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return &rule, nil
}

// GetRule returns a rule by id.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	q := `SELECT ` + ruleColumns + `
FROM automation_rules r
LEFT JOIN message_templates t ON t.id = r.message_template_id
WHERE r.id = $1
LIMIT 1;`
	rule, err := scanPostgresRule(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListActiveRules returns the user's active rules, highest priority first,
// ties broken by creation order.
func (r *PostgresRepository) ListActiveRules(ctx context.Context, userID string) ([]domain.Rule, error) {
	q := `SELECT ` + ruleColumns + `
FROM automation_rules r
LEFT JOIN message_templates t ON t.id = r.message_template_id
WHERE r.user_id = $1 AND r.is_active
ORDER BY r.priority DESC, r.seq ASC;`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		rule, err := scanPostgresRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

// IncrementRuleTriggered bumps the triggered counter of a rule.
func (r *PostgresRepository) IncrementRuleTriggered(ctx context.Context, ruleID string) error {
	return r.bumpRuleCounter(ctx, ruleID, "total_triggered")
}

// IncrementRuleFailed bumps the failed counter of a rule.
func (r *PostgresRepository) IncrementRuleFailed(ctx context.Context, ruleID string) error {
	return r.bumpRuleCounter(ctx, ruleID, "total_failed")
}

func (r *PostgresRepository) bumpRuleCounter(ctx context.Context, ruleID, column string) error {
	q := `UPDATE automation_rules SET ` + column + ` = ` + column + ` + 1, updated_at = NOW() WHERE id = $1`
	ct, err := r.pool.Exec(ctx, q, ruleID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("increment %s for rule %s: %w", column, ruleID, ErrNotFound)
	}
	return nil
}

func scanPostgresRule(row pgx.Row) (*domain.Rule, error) {
	var (
		rule                     domain.Rule
		keywords, excludes       []byte
		logic                    string
		minLen, maxLen           *int32
		cooldown, dailyCap, prio int32
	)
	if err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Name,
		&keywords,
		&logic,
		&excludes,
		&rule.CaseSensitive,
		&minLen,
		&maxLen,
		&rule.MustBeFollower,
		&cooldown,
		&dailyCap,
		&prio,
		&rule.Active,
		&rule.ScheduledStartAt,
		&rule.ScheduledEndAt,
		&rule.TemplateID,
		&rule.TemplateContent,
		&rule.TotalTriggered,
		&rule.TotalSent,
		&rule.TotalFailed,
		&rule.LastTriggeredAt,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if rule.Keywords, err = keywordsFromJSON(keywords); err != nil {
		return nil, err
	}
	if rule.ExcludeKeywords, err = keywordsFromJSON(excludes); err != nil {
		return nil, err
	}
	rule.KeywordLogic = domain.ParseKeywordLogic(logic)
	rule.MinCommentLength = intPtr(minLen)
	rule.MaxCommentLength = intPtr(maxLen)
	rule.CooldownHours = int(cooldown)
	rule.MaxDmsPerDay = int(dailyCap)
	rule.Priority = int(prio)
	return &rule, nil
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
