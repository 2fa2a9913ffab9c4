package repo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"comment-dm/internal/domain"
	"comment-dm/migrations"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPostgresCommitSent runs against a real database when TEST_DATABASE_URL
// points at a disposable Postgres instance.
func TestPostgresCommitSent(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("live test: TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := New(ctx, dsn, "", logger)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.RunMigrations(ctx, migrations.Files))

	userID := "pg-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err = store.GrantCredits(ctx, domain.CreditGrant{UserID: userID, Amount: 1})
	require.NoError(t, err)

	commit := sentCommit(userID, "", "bob", "thanks "+uuid.NewString(), now)
	require.NoError(t, store.CommitSent(ctx, commit))
	assert.ErrorIs(t, store.CommitSent(ctx, commit), ErrDuplicateLog)

	balance, err := store.CreditBalance(ctx, userID, now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance)

	commit = sentCommit(userID, "", "carol", "again", now)
	assert.ErrorIs(t, store.CommitSent(ctx, commit), ErrInsufficientCredit)

	rec, err := store.GetRateLimit(ctx, userID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.ContactCount)
}
