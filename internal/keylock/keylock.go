// Package keylock provides mutual exclusion scoped to string keys.
package keylock

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Locker serializes work per key. The returned release func must be called
// exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// RecipientKey scopes a lock to one (user, recipient) pair.
func RecipientKey(userID, recipientID string) string {
	return "recipient:" + userID + ":" + recipientID
}

// CreditKey scopes a lock to one user's credit balance.
func CreditKey(userID string) string {
	return "credit:" + userID
}

type slot struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process Locker. Idle keys are removed from the map.
type Local struct {
	slots *xsync.MapOf[string, *slot]
}

var _ Locker = (*Local)(nil)

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{slots: xsync.NewMapOf[string, *slot]()}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	s, _ := l.slots.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		if !loaded {
			old = &slot{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})

	select {
	case s.sem <- struct{}{}:
		return func() {
			<-s.sem
			l.unref(key)
		}, nil
	case <-ctx.Done():
		l.unref(key)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (l *Local) unref(key string) {
	l.slots.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// Size returns the number of keys currently held or awaited.
func (l *Local) Size() int {
	return l.slots.Size()
}
