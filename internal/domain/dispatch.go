package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Comment is an inbound comment on one of the user's posts.
type Comment struct {
	ID         string `json:"id,omitempty"`
	Text       string `json:"text"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	PostRef    string `json:"post_ref"`
}

// DispatchRequest is the unit placed on the dispatch queue. It is created once
// per successful match and never mutated; retries reuse it.
type DispatchRequest struct {
	UserID        string  `json:"user_id"`
	RuleID        string  `json:"rule_id"`
	RecipientID   string  `json:"recipient_id"`
	RecipientName string  `json:"recipient_name"`
	Message       string  `json:"message"`
	CommentText   string  `json:"comment_text"`
	PostRef       string  `json:"post_ref"`
	TemplateID    *string `json:"template_id,omitempty"`
	// CooldownHours snapshots the rule cooldown at match time.
	CooldownHours int `json:"cooldown_hours"`
}

// DedupKey identifies the comment this request originated from.
func (r DispatchRequest) DedupKey() string {
	return DedupKey(r.UserID, r.RecipientID, r.CommentText, r.PostRef)
}

// DedupKey hashes the (user, recipient, comment text, post reference) tuple.
func DedupKey(userID, recipientID, commentText, postRef string) string {
	h := sha256.New()
	for _, part := range []string{userID, recipientID, commentText, postRef} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DmStatus is the terminal status of a dispatch.
type DmStatus string

const (
	DmStatusSent   DmStatus = "SENT"
	DmStatusFailed DmStatus = "FAILED"
)

// DmLog is the append-only outcome record of one dispatch.
type DmLog struct {
	ID            string
	UserID        string
	RuleID        string
	TemplateID    *string
	RecipientID   string
	RecipientName string
	Message       string
	CommentText   string
	PostRef       string
	DedupKey      string
	Status        DmStatus
	FailureReason *string
	CreditsUsed   int
	SentAt        *time.Time
	CreatedAt     time.Time
}

// NewDmLog builds a log row for the request with the given status.
func NewDmLog(req DispatchRequest, status DmStatus) DmLog {
	return DmLog{
		UserID:        req.UserID,
		RuleID:        req.RuleID,
		TemplateID:    req.TemplateID,
		RecipientID:   req.RecipientID,
		RecipientName: req.RecipientName,
		Message:       req.Message,
		CommentText:   req.CommentText,
		PostRef:       req.PostRef,
		DedupKey:      req.DedupKey(),
		Status:        status,
	}
}

// RateLimitRecord tracks the last contact between a user and a recipient.
type RateLimitRecord struct {
	UserID          string
	RecipientID     string
	LastContactedAt time.Time
	ContactCount    int64
}

// CreditGrant is one block of prepaid credits.
type CreditGrant struct {
	ID        string
	UserID    string
	Amount    int64
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// SentCommit carries everything persisted atomically after a successful send.
type SentCommit struct {
	Log         DmLog
	Credits     int64
	At          time.Time
	Description string
}
