package domain

import "time"

// Account statuses.
const (
	AccountStatusActive            = "active"
	AccountStatusCredentialInvalid = "credential_invalid"
)

// Account is a user's connection to the social platform.
type Account struct {
	UserID            string
	PlatformAccountID string
	Username          string
	AccessToken       string
	TokenExpiresAt    *time.Time
	Status            string
	StatusReason      *string
	UpdatedAt         time.Time
}

// Connected reports whether the account has usable credentials at now.
func (a Account) Connected(now time.Time) bool {
	if a.AccessToken == "" || a.PlatformAccountID == "" {
		return false
	}
	if a.Status != "" && a.Status != AccountStatusActive {
		return false
	}
	if a.TokenExpiresAt != nil && a.TokenExpiresAt.Before(now) {
		return false
	}
	return true
}

// SystemLog is an operational event surfaced to operators.
type SystemLog struct {
	Level    string
	Category string
	Message  string
	UserID   *string
	Metadata map[string]any
}

// DmLogFilter narrows activity listings.
type DmLogFilter struct {
	UserID string
	Status DmStatus
	RuleID string
	From   *time.Time
	To     *time.Time
	Page   int
	Limit  int
}

// Normalize applies pagination defaults.
func (f *DmLogFilter) Normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
}

// Offset returns the row offset of the current page.
func (f DmLogFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}
