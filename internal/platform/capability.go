package platform

import (
	"context"

	"comment-dm/internal/domain"
)

// Capability is what the matcher and dispatch worker need from the platform.
type Capability interface {
	// IsFollower reports whether authorID follows the user's account.
	IsFollower(ctx context.Context, userID, authorID string) (bool, error)
	// SendDirectMessage makes a single delivery attempt. Failures wrap
	// ErrRetryable, ErrFatal or ErrNotConnected; anything else is permanent.
	SendDirectMessage(ctx context.Context, userID, recipientID, text string) error
}

// CommentSource retrieves recent comments on the user's posts.
type CommentSource interface {
	RecentComments(ctx context.Context, userID string, postLimit int) ([]domain.Comment, error)
}

// AccountSource resolves the platform connection of a user.
type AccountSource interface {
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
}
