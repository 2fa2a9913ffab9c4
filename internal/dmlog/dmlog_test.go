package dmlog

import (
	"context"
	"testing"
	"time"

	"comment-dm/internal/domain"
	"comment-dm/internal/keylock"
	"comment-dm/internal/ledger"
	"comment-dm/internal/logging"
	"comment-dm/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOfDay(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	// 20:00 UTC is already the next day in UTC+7.
	at := time.Date(2026, 4, 10, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 4, 10, 17, 0, 0, 0, time.UTC), StartOfDay(at, jakarta))
	assert.Equal(t, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), StartOfDay(at, time.UTC))
}

func TestSeenAndRecordFailure(t *testing.T) {
	store := repo.NewMemory()
	l := New(store, nil)
	ctx := context.Background()
	req := domain.DispatchRequest{UserID: "u1", RuleID: "r1", RecipientID: "a1", CommentText: "info", PostRef: "p1"}

	seen, err := l.Seen(ctx, req)
	require.NoError(t, err)
	assert.False(t, seen)

	inserted, err := l.RecordFailure(ctx, req, "cooldown active")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = l.RecordFailure(ctx, req, "cooldown active")
	require.NoError(t, err)
	assert.False(t, inserted)

	seen, err = l.Seen(ctx, req)
	require.NoError(t, err)
	assert.True(t, seen)

	other := req
	other.PostRef = "p2"
	seen, err = l.Seen(ctx, other)
	require.NoError(t, err)
	assert.False(t, seen)

	logs, total, err := store.ListDmLogs(ctx, domain.DmLogFilter{UserID: "u1", Status: domain.DmStatusFailed})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.NotNil(t, logs[0].FailureReason)
	assert.Equal(t, "cooldown active", *logs[0].FailureReason)
	assert.Zero(t, logs[0].CreditsUsed)
}

func TestSentTodayCounts(t *testing.T) {
	store := repo.NewMemory()
	l := New(store, time.UTC)
	led := ledger.New(store, keylock.NewLocal(), logging.Discard())
	ctx := context.Background()
	_, err := led.Grant(ctx, "u1", 10, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i, text := range []string{"one", "two"} {
		req := domain.DispatchRequest{UserID: "u1", RuleID: "r1", RecipientID: "a" + text, CommentText: text, PostRef: "p1"}
		require.NoError(t, led.Settle(ctx, domain.SentCommit{
			Log:     domain.NewDmLog(req, domain.DmStatusSent),
			Credits: 1,
			At:      now.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	failed := domain.DispatchRequest{UserID: "u1", RuleID: "r1", RecipientID: "a3", CommentText: "three", PostRef: "p1"}
	_, err = l.RecordFailure(ctx, failed, "insufficient credit")
	require.NoError(t, err)

	n, err := l.SentTodayByRule(ctx, "r1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.SentTodayByUser(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.SentTodayByRule(ctx, "r2", now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
