package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUntilIdleDrainsChainedUnits(t *testing.T) {
	q := NewMemory(Options{})
	var seen []int
	q.Register("count", func(ctx context.Context, args json.RawMessage) error {
		var n int
		require.NoError(t, json.Unmarshal(args, &n))
		seen = append(seen, n)
		if n < 3 {
			_, err := q.Enqueue(ctx, "count", n+1)
			return err
		}
		return nil
	})

	_, err := q.Enqueue(context.Background(), "count", 1)
	require.NoError(t, err)
	require.NoError(t, q.Run(context.Background(), true))

	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Zero(t, q.Len())
}

func TestEnqueueUnknownAction(t *testing.T) {
	q := NewMemory(Options{})
	_, err := q.Enqueue(context.Background(), "nope", nil)
	assert.Error(t, err)
}

func TestParallelismIsBounded(t *testing.T) {
	q := NewMemory(Options{MaxParallelism: 3})
	var active, peak int32
	q.Register("work", func(ctx context.Context, _ json.RawMessage) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})

	for i := 0; i < 12; i++ {
		_, err := q.Enqueue(context.Background(), "work", i)
		require.NoError(t, err)
	}
	require.NoError(t, q.Run(context.Background(), true))

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestFailedUnitIsRetriedThenGivenUp(t *testing.T) {
	q := NewMemory(Options{MaxAttempts: 3, RetryBase: time.Millisecond})
	var calls int32
	q.Register("flaky", func(ctx context.Context, _ json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	_, err := q.Enqueue(context.Background(), "flaky", nil)
	require.NoError(t, err)
	require.NoError(t, q.Run(context.Background(), true))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "boom", failed[0].LastErr)
}

func TestRetrySucceedsEventually(t *testing.T) {
	q := NewMemory(Options{MaxAttempts: 5, RetryBase: time.Millisecond})
	var calls int32
	q.Register("flaky", func(ctx context.Context, _ json.RawMessage) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	_, err := q.Enqueue(context.Background(), "flaky", nil)
	require.NoError(t, err)
	require.NoError(t, q.Run(context.Background(), true))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Empty(t, q.Failed())
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	q := NewMemory(Options{MaxAttempts: 1})
	q.Register("bad", func(ctx context.Context, _ json.RawMessage) error {
		panic("kaboom")
	})

	_, err := q.Enqueue(context.Background(), "bad", nil)
	require.NoError(t, err)
	require.NoError(t, q.Run(context.Background(), true))

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastErr, "kaboom")
}

func TestRunStopsOnCancel(t *testing.T) {
	q := NewMemory(Options{})
	var mu sync.Mutex
	ran := false
	q.Register("late", func(ctx context.Context, _ json.RawMessage) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, false) }()

	_, err := q.Enqueue(context.Background(), "late", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
