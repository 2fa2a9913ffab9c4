package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"comment-dm/internal/domain"
	"comment-dm/internal/keylock"
	"comment-dm/internal/logging"
	"comment-dm/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) (*Ledger, *repo.MemoryRepository) {
	t.Helper()
	store := repo.NewMemory()
	return New(store, keylock.NewLocal(), logging.Discard()), store
}

func TestDebitNeverOverdraws(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Grant(ctx, "u1", 5, nil)
	require.NoError(t, err)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Debit(ctx, "u1", 1, "test")
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ErrInsufficientCredit):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, ok.Load())
	assert.EqualValues(t, 20, rejected.Load())
	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestBalanceIgnoresExpiredGrants(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	_, err := l.Grant(ctx, "u1", 4, &past)
	require.NoError(t, err)
	_, err = l.Grant(ctx, "u1", 2, &future)
	require.NoError(t, err)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, bal)

	err = l.Debit(ctx, "u1", 3, "too much")
	assert.ErrorIs(t, err, ErrInsufficientCredit)
	bal, err = l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, bal)
}

func TestDebitRejectsNonPositive(t *testing.T) {
	l, _ := newLedger(t)
	assert.Error(t, l.Debit(context.Background(), "u1", 0, "noop"))
}

func TestSettleIsAllOrNothing(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	req := domain.DispatchRequest{UserID: "u1", RuleID: "r1", RecipientID: "a1", RecipientName: "jane", CommentText: "thanks", PostRef: "p1"}
	commit := domain.SentCommit{Log: domain.NewDmLog(req, domain.DmStatusSent), Credits: 1, Description: "DM sent to @jane"}

	err := l.Settle(ctx, commit)
	require.ErrorIs(t, err, ErrInsufficientCredit)
	seen, err := store.HasDmLog(ctx, req.DedupKey())
	require.NoError(t, err)
	assert.False(t, seen, "no log without a debit")

	_, err = l.Grant(ctx, "u1", 3, nil)
	require.NoError(t, err)
	require.NoError(t, l.Settle(ctx, commit))

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, bal)

	err = l.Settle(ctx, commit)
	assert.ErrorIs(t, err, repo.ErrDuplicateLog)
	bal, err = l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, bal)

	txs := store.Transactions("u1")
	require.NotEmpty(t, txs)
	last := txs[len(txs)-1]
	assert.EqualValues(t, -1, last.Amount)
	assert.Equal(t, "DM sent to @jane", last.Description)
}

func ExampleLedger_Balance() {
	l := New(repo.NewMemory(), keylock.NewLocal(), logging.Discard())
	ctx := context.Background()
	_, _ = l.Grant(ctx, "u1", 3, nil)
	_ = l.Debit(ctx, "u1", 1, "manual")
	bal, _ := l.Balance(ctx, "u1")
	fmt.Println(bal)
	// Output: 2
}

func TestHoldBlocksOtherDebits(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Grant(ctx, "u1", 1, nil)
	require.NoError(t, err)

	hold, err := l.Hold(ctx, "u1")
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Debit(blocked, "u1", 1, "racing"))

	bal, err := hold.Balance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, bal)

	other := domain.SentCommit{Log: domain.DmLog{UserID: "u2", DedupKey: "k"}, Credits: 1}
	assert.Error(t, hold.Settle(ctx, other))

	hold.Release()
	hold.Release()
	require.NoError(t, l.Debit(ctx, "u1", 1, "after release"))
}
