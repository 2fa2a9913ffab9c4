package domain

import "time"

// KeywordLogic selects how a rule combines its keywords.
type KeywordLogic string

const (
	// KeywordLogicAll requires every keyword to be present.
	KeywordLogicAll KeywordLogic = "ALL"
	// KeywordLogicAny requires at least one keyword to be present.
	KeywordLogicAny KeywordLogic = "ANY"
)

// ParseKeywordLogic maps stored values (including the legacy AND/OR
// spelling) to a KeywordLogic. Unknown values default to ANY.
func ParseKeywordLogic(s string) KeywordLogic {
	switch s {
	case "ALL", "AND", "all", "and":
		return KeywordLogicAll
	default:
		return KeywordLogicAny
	}
}

// DefaultMessage is rendered for rules that reference no template.
const DefaultMessage = "Thank you for your comment!"

// Rule is a user-defined automation rule.
type Rule struct {
	ID               string
	UserID           string
	Name             string
	Keywords         []string
	KeywordLogic     KeywordLogic
	ExcludeKeywords  []string
	CaseSensitive    bool
	MinCommentLength *int
	MaxCommentLength *int
	MustBeFollower   bool
	CooldownHours    int
	MaxDmsPerDay     int
	Priority         int
	Active           bool
	ScheduledStartAt *time.Time
	ScheduledEndAt   *time.Time
	TemplateID       *string
	// TemplateContent is joined from the referenced template when loading
	// active rules.
	TemplateContent *string
	TotalTriggered  int64
	TotalSent       int64
	TotalFailed     int64
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Cooldown returns the rule cooldown as a duration.
func (r Rule) Cooldown() time.Duration {
	if r.CooldownHours <= 0 {
		return 0
	}
	return time.Duration(r.CooldownHours) * time.Hour
}

// Windowed reports whether the rule has a scheduling window.
func (r Rule) Windowed() bool {
	return r.ScheduledStartAt != nil || r.ScheduledEndAt != nil
}

// InWindow reports whether now lies within the rule's [start, end] window.
// Missing bounds are open.
func (r Rule) InWindow(now time.Time) bool {
	if r.ScheduledStartAt != nil && now.Before(*r.ScheduledStartAt) {
		return false
	}
	if r.ScheduledEndAt != nil && now.After(*r.ScheduledEndAt) {
		return false
	}
	return true
}

// Template is a message body with placeholder tokens.
type Template struct {
	ID        string
	UserID    string
	Name      string
	Content   string
	CreatedAt time.Time
}
