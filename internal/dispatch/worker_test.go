package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"comment-dm/internal/dmlog"
	"comment-dm/internal/domain"
	"comment-dm/internal/keylock"
	"comment-dm/internal/ledger"
	"comment-dm/internal/logging"
	"comment-dm/internal/platform"
	"comment-dm/internal/queue"
	"comment-dm/internal/ratelimit"
	"comment-dm/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSender returns the queued errors in order, then nil.
type scriptedSender struct {
	mu      sync.Mutex
	results []error
	calls   atomic.Int32
	delay   time.Duration
}

func (s *scriptedSender) SendDirectMessage(ctx context.Context, _, _, _ string) error {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

type fixture struct {
	store  *repo.MemoryRepository
	sender *scriptedSender
	ledger *ledger.Ledger
	worker *Worker
	rule   domain.Rule
	sleeps []time.Duration
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := repo.NewMemory()
	locks := keylock.NewLocal()
	led := ledger.New(store, locks, logging.Discard())
	sender := &scriptedSender{}
	w := NewWorker(cfg, sender, led, ratelimit.New(store), dmlog.New(store, time.UTC), store, locks, nil, logging.Discard())

	ctx := context.Background()
	require.NoError(t, store.UpsertAccount(ctx, domain.Account{UserID: "u1", PlatformAccountID: "ig1", AccessToken: "tok"}))
	rule, err := store.InsertRule(ctx, domain.Rule{UserID: "u1", Name: "thanks", Keywords: []string{"thanks"}, CooldownHours: 24, MaxDmsPerDay: 50, Active: true})
	require.NoError(t, err)

	f := &fixture{store: store, sender: sender, ledger: led, worker: w, rule: *rule}
	var mu sync.Mutex
	w.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		f.sleeps = append(f.sleeps, d)
		mu.Unlock()
		return nil
	}
	return f
}

func (f *fixture) grant(t *testing.T, n int64) {
	t.Helper()
	_, err := f.ledger.Grant(context.Background(), "u1", n, nil)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return bal
}

func (f *fixture) request(recipient, text string) domain.DispatchRequest {
	return domain.DispatchRequest{
		UserID:        "u1",
		RuleID:        f.rule.ID,
		RecipientID:   recipient,
		RecipientName: recipient + "_name",
		Message:       "Thanks!",
		CommentText:   text,
		PostRef:       "https://instagram.com/p/1",
		CooldownHours: f.rule.CooldownHours,
	}
}

func (f *fixture) storedRule(t *testing.T) domain.Rule {
	t.Helper()
	r, err := f.store.GetRule(context.Background(), f.rule.ID)
	require.NoError(t, err)
	return *r
}

func TestSendDebitsAndReplayIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	f.grant(t, 3)
	ctx := context.Background()
	req := f.request("a1", "thanks so much!")

	out, err := f.worker.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.DmStatusSent, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.EqualValues(t, 2, f.balance(t))

	rec, err := f.store.GetRateLimit(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.ContactCount)

	rule := f.storedRule(t)
	assert.EqualValues(t, 1, rule.TotalSent)
	assert.NotNil(t, rule.LastTriggeredAt)

	txs := f.store.Transactions("u1")
	require.NotEmpty(t, txs)
	assert.Equal(t, "DM sent to @a1_name", txs[len(txs)-1].Description)

	out, err = f.worker.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CodeDuplicate, out.Code)
	assert.EqualValues(t, 2, f.balance(t))
	assert.EqualValues(t, 1, f.sender.calls.Load())
}

func TestInsufficientCreditIsNotSent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	out, err := f.worker.Process(ctx, f.request("a1", "thanks"))
	require.NoError(t, err)
	assert.Equal(t, domain.DmStatusFailed, out.Status)
	assert.Equal(t, ReasonInsufficientCredit, out.Reason)
	assert.Zero(t, f.sender.calls.Load())
	assert.Zero(t, f.balance(t))
	assert.EqualValues(t, 1, f.storedRule(t).TotalFailed)

	logs, total, err := f.store.ListDmLogs(ctx, domain.DmLogFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "insufficient credit", *logs[0].FailureReason)
}

func TestRetryableThenSuccess(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: time.Second})
	f.grant(t, 1)
	f.sender.results = []error{
		fmt.Errorf("%w: status=503", platform.ErrRetryable),
		fmt.Errorf("%w: status=429", platform.ErrRetryable),
	}

	out, err := f.worker.Process(context.Background(), f.request("a1", "thanks"))
	require.NoError(t, err)
	assert.Equal(t, domain.DmStatusSent, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
	assert.Zero(t, f.balance(t))
}

func TestRetryExhaustion(t *testing.T) {
	f := newFixture(t, Config{})
	f.grant(t, 2)
	retryable := fmt.Errorf("%w: network down", platform.ErrRetryable)
	f.sender.results = []error{retryable, retryable, retryable, retryable}

	out, err := f.worker.Process(context.Background(), f.request("a1", "thanks"))
	require.NoError(t, err)
	assert.Equal(t, domain.DmStatusFailed, out.Status)
	assert.Equal(t, CodeExhausted, out.Code)
	assert.Contains(t, out.Reason, "after 3 attempts")
	assert.EqualValues(t, 3, f.sender.calls.Load())
	assert.Len(t, f.sleeps, 2)
	assert.EqualValues(t, 2, f.balance(t))
	assert.EqualValues(t, 1, f.storedRule(t).TotalFailed)
}

func TestFatalPausesAccount(t *testing.T) {
	f := newFixture(t, Config{})
	f.grant(t, 2)
	f.sender.results = []error{fmt.Errorf("%w: code=190", platform.ErrFatal)}
	ctx := context.Background()

	out, err := f.worker.Process(ctx, f.request("a1", "thanks"))
	require.NoError(t, err)
	assert.Equal(t, CodeFatal, out.Code)
	assert.Equal(t, ReasonCredentialRejected, out.Reason)
	assert.EqualValues(t, 1, f.sender.calls.Load())
	assert.EqualValues(t, 2, f.balance(t))

	acc, err := f.store.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusCredentialInvalid, acc.Status)
	logs := f.store.SystemLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "dispatch", logs[0].Category)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	f := newFixture(t, Config{})
	f.grant(t, 1)
	f.sender.results = []error{errors.New("instagram error: status=400 code=100 bad recipient")}

	out, err := f.worker.Process(context.Background(), f.request("a1", "thanks"))
	require.NoError(t, err)
	assert.Equal(t, CodeRejected, out.Code)
	assert.Contains(t, out.Reason, "bad recipient")
	assert.EqualValues(t, 1, f.sender.calls.Load())
	assert.Empty(t, f.sleeps)
}

func TestCooldownAllowsOneConcurrentSend(t *testing.T) {
	f := newFixture(t, Config{})
	f.grant(t, 10)
	f.sender.delay = 10 * time.Millisecond
	ctx := context.Background()

	var sent, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			out, err := f.worker.Process(ctx, f.request("a1", fmt.Sprintf("thanks #%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			switch out.Code {
			case CodeSent:
				sent.Add(1)
			case CodeCooldown:
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, sent.Load())
	assert.EqualValues(t, 4, rejected.Load())
	assert.EqualValues(t, 9, f.balance(t))
}

func TestMinCooldownFloor(t *testing.T) {
	f := newFixture(t, Config{MinCooldown: time.Hour})
	f.grant(t, 2)
	ctx := context.Background()

	first := f.request("a1", "one")
	first.CooldownHours = 0
	second := f.request("a1", "two")
	second.CooldownHours = 0

	out, err := f.worker.Process(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, CodeSent, out.Code)
	out, err = f.worker.Process(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, CodeCooldown, out.Code)
}

func TestDailyCapPerUser(t *testing.T) {
	f := newFixture(t, Config{MaxDmsPerDay: 1})
	f.grant(t, 5)
	ctx := context.Background()

	out, err := f.worker.Process(ctx, f.request("a1", "thanks"))
	require.NoError(t, err)
	assert.Equal(t, CodeSent, out.Code)

	out, err = f.worker.Process(ctx, f.request("a2", "thanks"))
	require.NoError(t, err)
	assert.Equal(t, CodeDailyCap, out.Code)
	assert.Equal(t, ReasonDailyCap, out.Reason)
	assert.EqualValues(t, 4, f.balance(t))
}

func TestConcurrentRecipientsNeverOverdraw(t *testing.T) {
	f := newFixture(t, Config{})
	f.grant(t, 4)
	ctx := context.Background()

	var sent, broke atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			out, err := f.worker.Process(ctx, f.request(fmt.Sprintf("a%d", i), "thanks"))
			if !assert.NoError(t, err) {
				return
			}
			switch out.Code {
			case CodeSent:
				sent.Add(1)
			case CodeNoCredit:
				broke.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 4, sent.Load())
	assert.EqualValues(t, 8, broke.Load())
	assert.Zero(t, f.balance(t))
}

func TestPoolDrainsQueue(t *testing.T) {
	f := newFixture(t, Config{})
	f.grant(t, 10)
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(ctx, f.request(fmt.Sprintf("a%d", i), "thanks"))
		require.NoError(t, err)
	}

	pool := NewPool(q, f.worker, 3, nil, logging.Discard())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Waiting == 0 && stats.InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	_, total, err := f.store.ListDmLogs(context.Background(), domain.DmLogFilter{UserID: "u1", Status: domain.DmStatusSent})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.EqualValues(t, 4, f.balance(t))
}
