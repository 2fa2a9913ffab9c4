package keylock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"comment-dm/internal/cache"
	"comment-dm/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSerializesPerKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, RecipientKey("u1", "r1"))
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside.Load())
	assert.Equal(t, 0, l.Size())
}

func TestLocalIndependentKeys(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	r1, err := l.Lock(ctx, CreditKey("u1"))
	require.NoError(t, err)
	defer r1()

	r2, err := l.Lock(ctx, CreditKey("u2"))
	require.NoError(t, err)
	r2()
}

func TestLocalContextCancel(t *testing.T) {
	l := NewLocal()
	release, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, l.Size())
}

func TestRedisLockLive(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("live test: TEST_REDIS_ADDR not set")
	}
	r := cache.New(cache.Config{Addr: addr, Prefix: "comment-dm-test:"}, logging.Discard())
	defer r.Close()
	l := NewRedis(r, 5*time.Second, logging.Discard())
	ctx := context.Background()

	release, err := l.Lock(ctx, "live")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "live")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := l.Lock(ctx, "live")
	require.NoError(t, err)
	release2()
}
