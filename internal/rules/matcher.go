// Package rules decides which automation rule, if any, fires for a comment.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"comment-dm/internal/dmlog"
	"comment-dm/internal/domain"
	"comment-dm/internal/metrics"
	"comment-dm/internal/ratelimit"
)

// Gate outcomes reported to metrics and debug logs.
const (
	resultMatched       = "matched"
	resultNoRules       = "no_rules"
	resultNoMatch       = "no_match"
	resultSchedule      = "schedule"
	resultDailyCap      = "daily_cap"
	resultEmptyKeywords = "empty_keywords"
	resultKeywords      = "keywords"
	resultLength        = "length"
	resultFollower      = "follower"
	resultCooldown      = "cooldown"
)

// Store is the rule persistence the matcher needs.
type Store interface {
	ListActiveRules(ctx context.Context, userID string) ([]domain.Rule, error)
	IncrementRuleTriggered(ctx context.Context, ruleID string) error
}

// FollowerChecker answers the follower gate.
type FollowerChecker interface {
	IsFollower(ctx context.Context, userID, authorID string) (bool, error)
}

// Result is the outcome of matching one comment.
type Result struct {
	Matched bool
	Rule    domain.Rule
	Message string
}

// Request builds the dispatch request for a matched comment.
func (r Result) Request(userID string, c domain.Comment) domain.DispatchRequest {
	return domain.DispatchRequest{
		UserID:        userID,
		RuleID:        r.Rule.ID,
		RecipientID:   c.AuthorID,
		RecipientName: c.AuthorName,
		Message:       r.Message,
		CommentText:   c.Text,
		PostRef:       c.PostRef,
		TemplateID:    r.Rule.TemplateID,
		CooldownHours: r.Rule.CooldownHours,
	}
}

// Matcher evaluates a user's active rules against comments.
type Matcher struct {
	store     Store
	followers FollowerChecker
	contacts  *ratelimit.Tracker
	sends     *dmlog.Log
	keywords  *keywordEvaluator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewMatcher wires a matcher from its collaborators.
func NewMatcher(store Store, followers FollowerChecker, contacts *ratelimit.Tracker, sends *dmlog.Log, metrics *metrics.Metrics, logger *slog.Logger) *Matcher {
	return &Matcher{
		store:     store,
		followers: followers,
		contacts:  contacts,
		sends:     sends,
		keywords:  newKeywordEvaluator(),
		metrics:   metrics,
		logger:    logger.With("component", "matcher"),
		now:       time.Now,
	}
}

// Match returns the first rule, in priority order, whose gates all pass.
// A gate miss only skips that rule; errors are returned for storage failures
// so the caller can retry the comment later.
func (m *Matcher) Match(ctx context.Context, userID string, c domain.Comment) (Result, error) {
	rules, err := m.store.ListActiveRules(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("list active rules: %w", err)
	}
	if len(rules) == 0 {
		m.observe(resultNoRules)
		return Result{}, nil
	}

	now := m.now()
	for _, rule := range rules {
		miss, err := m.evaluate(ctx, userID, rule, c, now)
		if err != nil {
			return Result{}, err
		}
		if miss != "" {
			m.observe(miss)
			m.logger.Debug("rule skipped", "user_id", userID, "rule_id", rule.ID, "gate", miss)
			continue
		}

		if err := m.store.IncrementRuleTriggered(ctx, rule.ID); err != nil {
			return Result{}, fmt.Errorf("increment triggered: %w", err)
		}
		rule.TotalTriggered++
		m.observe(resultMatched)
		return Result{Matched: true, Rule: rule, Message: messageFor(rule, c)}, nil
	}
	m.observe(resultNoMatch)
	return Result{}, nil
}

// evaluate runs the gates in order and returns the name of the first one
// that failed, or "" when the rule passes.
func (m *Matcher) evaluate(ctx context.Context, userID string, rule domain.Rule, c domain.Comment, now time.Time) (string, error) {
	if rule.Windowed() && !rule.InWindow(now) {
		return resultSchedule, nil
	}

	if rule.MaxDmsPerDay > 0 {
		sent, err := m.sends.SentTodayByRule(ctx, rule.ID, now)
		if err != nil {
			return "", err
		}
		if sent >= rule.MaxDmsPerDay {
			return resultDailyCap, nil
		}
	}

	if len(effectiveKeywords(rule.Keywords)) == 0 {
		m.logger.Warn("rule has no keywords and can never match", "user_id", userID, "rule_id", rule.ID)
		return resultEmptyKeywords, nil
	}
	if !m.keywords.matches(c.Text, rule) {
		return resultKeywords, nil
	}

	length := utf8.RuneCountInString(c.Text)
	if rule.MinCommentLength != nil && *rule.MinCommentLength > 0 && length < *rule.MinCommentLength {
		return resultLength, nil
	}
	if rule.MaxCommentLength != nil && *rule.MaxCommentLength > 0 && length > *rule.MaxCommentLength {
		return resultLength, nil
	}

	if rule.MustBeFollower {
		ok, err := m.followers.IsFollower(ctx, userID, c.AuthorID)
		if err != nil {
			m.logger.Warn("follower check failed", "user_id", userID, "author_id", c.AuthorID, "error", err)
			return resultFollower, nil
		}
		if !ok {
			return resultFollower, nil
		}
	}

	cooling, err := m.contacts.InCooldown(ctx, userID, c.AuthorID, rule.Cooldown(), now)
	if err != nil {
		return "", err
	}
	if cooling {
		return resultCooldown, nil
	}
	return "", nil
}

func (m *Matcher) observe(result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RuleMatches.WithLabelValues(result).Inc()
}
