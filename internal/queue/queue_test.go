package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"comment-dm/internal/cache"
	"comment-dm/internal/domain"
	"comment-dm/internal/logging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachQueue(t *testing.T, fn func(t *testing.T, q Queue)) {
	t.Run("memory", func(t *testing.T) {
		q := NewMemory()
		defer q.Close()
		fn(t, q)
	})
	t.Run("redis", func(t *testing.T) {
		addr := os.Getenv("TEST_REDIS_ADDR")
		if addr == "" {
			t.Skip("live test: TEST_REDIS_ADDR not set")
		}
		r := cache.New(cache.Config{Addr: addr, Prefix: "comment-dm-test:"}, logging.Discard())
		defer r.Close()
		q := NewRedis(r, uuid.NewString(), logging.Discard())
		defer func() {
			_ = r.Client().Del(context.Background(), q.waiting, q.inFlight, q.pending).Err()
			q.Close()
		}()
		fn(t, q)
	})
}

func request(ruleID, recipient, text string) domain.DispatchRequest {
	return domain.DispatchRequest{UserID: "u1", RuleID: ruleID, RecipientID: recipient, CommentText: text, PostRef: "p1", Message: "hi"}
}

func TestFIFOAndAck(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		for _, text := range []string{"one", "two", "three"} {
			_, err := q.Enqueue(ctx, request("r1", "a-"+text, text))
			require.NoError(t, err)
		}

		var got []string
		for i := 0; i < 3; i++ {
			job, err := q.Dequeue(ctx)
			require.NoError(t, err)
			got = append(got, job.Request.CommentText)
			require.NoError(t, q.Ack(ctx, job))
		}
		assert.Equal(t, []string{"one", "two", "three"}, got)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
	})
}

func TestEnqueueRejectsPendingDuplicate(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		req := request("r1", "a1", "price?")
		_, err := q.Enqueue(ctx, req)
		require.NoError(t, err)

		_, err = q.Enqueue(ctx, req)
		assert.ErrorIs(t, err, ErrAlreadyQueued)

		pending, err := q.Pending(ctx, req.DedupKey())
		require.NoError(t, err)
		assert.True(t, pending)

		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, req)
		assert.ErrorIs(t, err, ErrAlreadyQueued, "in-flight still counts as pending")

		require.NoError(t, q.Ack(ctx, job))
		pending, err = q.Pending(ctx, req.DedupKey())
		require.NoError(t, err)
		assert.False(t, pending)
	})
}

func TestDropRule(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_, err := q.Enqueue(ctx, request("keep", "a1", "x"))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, request("drop", "a2", "y"))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, request("drop", "a3", "z"))
		require.NoError(t, err)

		n, err := q.DropRule(ctx, "drop")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Waiting)

		pending, err := q.Pending(ctx, request("drop", "a2", "y").DedupKey())
		require.NoError(t, err)
		assert.False(t, pending)
	})
}

func TestRecoverRequeuesInFlight(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		for _, text := range []string{"first", "second", "third"} {
			_, err := q.Enqueue(ctx, request("r1", "a-"+text, text))
			require.NoError(t, err)
			time.Sleep(time.Millisecond)
		}
		_, err := q.Dequeue(ctx)
		require.NoError(t, err)
		_, err = q.Dequeue(ctx)
		require.NoError(t, err)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Waiting: 1, InFlight: 2}, stats)

		n, err := q.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		var order []string
		for i := 0; i < 3; i++ {
			job, err := q.Dequeue(ctx)
			require.NoError(t, err)
			order = append(order, job.Request.CommentText)
		}
		assert.Equal(t, []string{"first", "second", "third"}, order)
	})
}

func TestDequeueUnblocks(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		done := make(chan error, 1)
		go func() {
			_, err := q.Dequeue(context.Background())
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, q.Close())
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(3 * time.Second):
			t.Fatal("dequeue did not return after close")
		}
	})
}

func TestMemoryWakesAllWorkers(t *testing.T) {
	q := NewMemory()
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan string, 4)
	for i := 0; i < 4; i++ {
		go func() {
			job, err := q.Dequeue(ctx)
			if err == nil {
				got <- job.Request.CommentText
			}
		}()
	}
	for _, text := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(ctx, request("r1", text, text))
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		select {
		case s := <-got:
			seen[s] = true
		case <-ctx.Done():
			t.Fatal("not every job was delivered")
		}
	}
	assert.Len(t, seen, 4)
}
