package repo

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"comment-dm/internal/domain"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Store. It keeps everything in maps
// guarded by one mutex and is meant for tests and single-process trials.
type MemoryRepository struct {
	mu sync.Mutex

	accounts     map[string]domain.Account
	templates    map[string]domain.Template
	rules        map[string]*memoryRule
	ruleSeq      int64
	logs         []domain.DmLog
	logIndex     map[string]int
	grants       []*domain.CreditGrant
	transactions []MemoryTransaction
	rateLimits   map[[2]string]domain.RateLimitRecord
	analytics    map[[2]string]*MemoryAnalytics
	systemLogs   []domain.SystemLog
}

// MemoryTransaction is a ledger entry kept by MemoryRepository.
type MemoryTransaction struct {
	UserID      string
	Type        string
	Amount      int64
	Status      string
	Description string
	CreatedAt   time.Time
}

// MemoryAnalytics is a daily analytics row kept by MemoryRepository.
type MemoryAnalytics struct {
	DmsSent     int64
	CreditsUsed int64
}

type memoryRule struct {
	seq  int64
	rule domain.Rule
}

var _ Store = (*MemoryRepository)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		accounts:   make(map[string]domain.Account),
		templates:  make(map[string]domain.Template),
		rules:      make(map[string]*memoryRule),
		logIndex:   make(map[string]int),
		rateLimits: make(map[[2]string]domain.RateLimitRecord),
		analytics:  make(map[[2]string]*MemoryAnalytics),
	}
}

func (m *MemoryRepository) Close() {}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) RunMigrations(context.Context, fs.FS) error { return nil }

func (m *MemoryRepository) UpsertAccount(_ context.Context, acc domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.Status == "" {
		acc.Status = domain.AccountStatusActive
	}
	acc.UpdatedAt = time.Now().UTC()
	m.accounts[acc.UserID] = acc
	return nil
}

func (m *MemoryRepository) GetAccount(_ context.Context, userID string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("get account %s: %w", userID, ErrNotFound)
	}
	return &acc, nil
}

func (m *MemoryRepository) ListConnectedAccounts(_ context.Context, at time.Time) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Account
	for _, acc := range m.accounts {
		if acc.Connected(at) {
			res = append(res, acc)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

func (m *MemoryRepository) MarkAccountFault(_ context.Context, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return fmt.Errorf("mark account fault %s: %w", userID, ErrNotFound)
	}
	acc.Status = domain.AccountStatusCredentialInvalid
	acc.StatusReason = &reason
	acc.UpdatedAt = time.Now().UTC()
	m.accounts[userID] = acc
	return nil
}

func (m *MemoryRepository) InsertTemplate(_ context.Context, tpl domain.Template) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	tpl.CreatedAt = time.Now().UTC()
	m.templates[tpl.ID] = tpl
	return &tpl, nil
}

func (m *MemoryRepository) InsertRule(_ context.Context, rule domain.Rule) (*domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.KeywordLogic == "" {
		rule.KeywordLogic = domain.KeywordLogicAny
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.UpdatedAt = rule.CreatedAt
	m.ruleSeq++
	m.rules[rule.ID] = &memoryRule{seq: m.ruleSeq, rule: rule}
	return &rule, nil
}

// withTemplate returns a copy of the rule with its template content joined.
func (m *MemoryRepository) withTemplate(rule domain.Rule) domain.Rule {
	rule.TemplateContent = nil
	if rule.TemplateID != nil {
		if tpl, ok := m.templates[*rule.TemplateID]; ok {
			content := tpl.Content
			rule.TemplateContent = &content
		}
	}
	return rule
}

func (m *MemoryRepository) GetRule(_ context.Context, id string) (*domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("get rule %s: %w", id, ErrNotFound)
	}
	rule := m.withTemplate(mr.rule)
	return &rule, nil
}

func (m *MemoryRepository) ListActiveRules(_ context.Context, userID string) ([]domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*memoryRule
	for _, mr := range m.rules {
		if mr.rule.UserID == userID && mr.rule.Active {
			matched = append(matched, mr)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].rule.Priority != matched[j].rule.Priority {
			return matched[i].rule.Priority > matched[j].rule.Priority
		}
		return matched[i].seq < matched[j].seq
	})
	res := make([]domain.Rule, 0, len(matched))
	for _, mr := range matched {
		res = append(res, m.withTemplate(mr.rule))
	}
	return res, nil
}

func (m *MemoryRepository) IncrementRuleTriggered(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.rules[ruleID]
	if !ok {
		return fmt.Errorf("increment total_triggered for rule %s: %w", ruleID, ErrNotFound)
	}
	mr.rule.TotalTriggered++
	return nil
}

func (m *MemoryRepository) IncrementRuleFailed(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.rules[ruleID]
	if !ok {
		return fmt.Errorf("increment total_failed for rule %s: %w", ruleID, ErrNotFound)
	}
	mr.rule.TotalFailed++
	return nil
}

func (m *MemoryRepository) HasDmLog(_ context.Context, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.logIndex[dedupKey]
	return ok, nil
}

func (m *MemoryRepository) InsertFailedDmLog(_ context.Context, log domain.DmLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logIndex[log.DedupKey]; ok {
		return false, nil
	}
	log.Status = domain.DmStatusFailed
	log.CreditsUsed = 0
	m.appendLog(log, time.Now().UTC())
	return true, nil
}

func (m *MemoryRepository) appendLog(log domain.DmLog, at time.Time) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.CreatedAt = at
	m.logIndex[log.DedupKey] = len(m.logs)
	m.logs = append(m.logs, log)
}

func (m *MemoryRepository) CountSentByRuleSince(_ context.Context, ruleID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, log := range m.logs {
		if log.RuleID == ruleID && log.Status == domain.DmStatusSent && !log.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CountSentByUserSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, log := range m.logs {
		if log.UserID == userID && log.Status == domain.DmStatusSent && !log.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ListDmLogs(_ context.Context, filter domain.DmLogFilter) ([]domain.DmLog, int, error) {
	filter.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.DmLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		log := m.logs[i]
		switch {
		case log.UserID != filter.UserID:
			continue
		case filter.Status != "" && log.Status != filter.Status:
			continue
		case filter.RuleID != "" && log.RuleID != filter.RuleID:
			continue
		case filter.From != nil && log.CreatedAt.Before(*filter.From):
			continue
		case filter.To != nil && log.CreatedAt.After(*filter.To):
			continue
		}
		matched = append(matched, log)
	}
	total := len(matched)
	start := min(filter.Offset(), total)
	end := min(start+filter.Limit, total)
	return matched[start:end], total, nil
}

func (m *MemoryRepository) GrantCredits(_ context.Context, grant domain.CreditGrant) (*domain.CreditGrant, error) {
	if grant.Amount <= 0 {
		return nil, fmt.Errorf("grant credits: amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	grant.CreatedAt = time.Now().UTC()
	g := grant
	m.grants = append(m.grants, &g)
	m.transactions = append(m.transactions, MemoryTransaction{
		UserID: grant.UserID, Type: txTypeGrant, Amount: grant.Amount, Status: txStatusSettled,
		Description: "credit grant", CreatedAt: grant.CreatedAt,
	})
	return &grant, nil
}

func (m *MemoryRepository) CreditBalance(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, g := range m.liveGrants(userID, at) {
		total += g.Amount
	}
	return total, nil
}

// liveGrants returns the user's unexpired grants, earliest expiry first.
func (m *MemoryRepository) liveGrants(userID string, at time.Time) []*domain.CreditGrant {
	var res []*domain.CreditGrant
	for _, g := range m.grants {
		if g.UserID != userID || g.Amount <= 0 {
			continue
		}
		if g.ExpiresAt != nil && !g.ExpiresAt.After(at) {
			continue
		}
		res = append(res, g)
	}
	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i].ExpiresAt, res[j].ExpiresAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return res
}

func (m *MemoryRepository) debitLocked(userID string, amount int64, at time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("debit credits: amount must be positive")
	}
	grants := m.liveGrants(userID, at)
	var total int64
	for _, g := range grants {
		total += g.Amount
	}
	if total < amount {
		return ErrInsufficientCredit
	}
	remaining := amount
	for _, g := range grants {
		if remaining == 0 {
			break
		}
		take := min(g.Amount, remaining)
		g.Amount -= take
		remaining -= take
	}
	return nil
}

func (m *MemoryRepository) DebitCredits(_ context.Context, userID string, amount int64, at time.Time, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.debitLocked(userID, amount, at); err != nil {
		return err
	}
	m.transactions = append(m.transactions, MemoryTransaction{
		UserID: userID, Type: txTypeUsage, Amount: -amount, Status: txStatusSettled,
		Description: description, CreatedAt: at,
	})
	return nil
}

func (m *MemoryRepository) CommitSent(_ context.Context, c domain.SentCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := c.Log
	if _, ok := m.logIndex[log.DedupKey]; ok {
		return fmt.Errorf("insert dm log: %w", ErrDuplicateLog)
	}
	if c.Credits > 0 {
		if err := m.debitLocked(log.UserID, c.Credits, c.At); err != nil {
			return err
		}
	}
	log.Status = domain.DmStatusSent
	log.CreditsUsed = int(c.Credits)
	if log.SentAt == nil {
		at := c.At
		log.SentAt = &at
	}
	m.appendLog(log, c.At)
	m.recordContactLocked(log.UserID, log.RecipientID, c.At)
	if mr, ok := m.rules[log.RuleID]; ok {
		mr.rule.TotalSent++
		at := c.At
		mr.rule.LastTriggeredAt = &at
	}
	if c.Credits > 0 {
		m.transactions = append(m.transactions, MemoryTransaction{
			UserID: log.UserID, Type: txTypeUsage, Amount: -c.Credits, Status: txStatusSettled,
			Description: c.Description, CreatedAt: c.At,
		})
	}
	key := [2]string{log.UserID, analyticsDate(c.At)}
	row, ok := m.analytics[key]
	if !ok {
		row = &MemoryAnalytics{}
		m.analytics[key] = row
	}
	row.DmsSent++
	row.CreditsUsed += c.Credits
	return nil
}

func (m *MemoryRepository) GetRateLimit(_ context.Context, userID, recipientID string) (*domain.RateLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rateLimits[[2]string{userID, recipientID}]
	if !ok {
		return nil, fmt.Errorf("get rate limit: %w", ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryRepository) RecordContact(_ context.Context, userID, recipientID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordContactLocked(userID, recipientID, at)
	return nil
}

func (m *MemoryRepository) recordContactLocked(userID, recipientID string, at time.Time) {
	key := [2]string{userID, recipientID}
	rec, ok := m.rateLimits[key]
	if ok && !rec.LastContactedAt.Before(at) {
		return
	}
	rec.UserID, rec.RecipientID = userID, recipientID
	rec.LastContactedAt = at
	rec.ContactCount++
	m.rateLimits[key] = rec
}

func (m *MemoryRepository) InsertSystemLog(_ context.Context, entry domain.SystemLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemLogs = append(m.systemLogs, entry)
	return nil
}

// Transactions returns a copy of the recorded ledger entries for a user.
func (m *MemoryRepository) Transactions(userID string) []MemoryTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []MemoryTransaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			res = append(res, tx)
		}
	}
	return res
}

// Analytics returns the daily analytics row for a user and date.
func (m *MemoryRepository) Analytics(userID string, day time.Time) MemoryAnalytics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.analytics[[2]string{userID, analyticsDate(day)}]; ok {
		return *row
	}
	return MemoryAnalytics{}
}

// SystemLogs returns a copy of the recorded system log entries.
func (m *MemoryRepository) SystemLogs() []domain.SystemLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SystemLog(nil), m.systemLogs...)
}
