package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(Options{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestMemoryQueueDelivers(t *testing.T) {
	q := setupTestQueue(t)

	var got atomic.Value
	done := make(chan struct{})
	err := q.Process("work", 1, func(ctx context.Context, job *Job) error {
		var payload map[string]string
		require.NoError(t, job.Decode(&payload))
		got.Store(payload["key"])
		close(done)
		return nil
	})
	require.NoError(t, err)

	id, err := q.Enqueue(context.Background(), "work", "test_job", map[string]string{"key": "value"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}
	assert.Equal(t, "value", got.Load())
}

func TestMemoryQueueBuffersBeforeProcess(t *testing.T) {
	q := setupTestQueue(t)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), "work", "buffered", map[string]int{"n": i}, nil)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var order []int
	err := q.Process("work", 1, func(ctx context.Context, job *Job) error {
		var payload map[string]int
		require.NoError(t, job.Decode(&payload))
		mu.Lock()
		order = append(order, payload["n"])
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order, "jobs on one queue deliver in enqueue order")
}

func TestMemoryQueueRetriesWithBackoff(t *testing.T) {
	q := setupTestQueue(t)

	var attempts int32
	err := q.Process("flaky", 1, func(ctx context.Context, job *Job) error {
		n := atomic.AddInt32(&attempts, 1)
		assert.Equal(t, int(n), job.Attempt)
		if n < 3 {
			return fmt.Errorf("transient failure %d", n)
		}
		return nil
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "flaky", "retry_job", map[string]string{}, nil)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&attempts) == 3 })
}

func TestMemoryQueuePerJobBackoffOverride(t *testing.T) {
	// The queue-level base is far beyond the test timeout, so the retry
	// can only arrive in time if the per-job override is honored.
	q := NewMemoryQueue(Options{MaxAttempts: 2, BackoffBase: 30 * time.Second})
	t.Cleanup(func() { _ = q.Close() })

	var attempts int32
	err := q.Process("custom", 1, func(ctx context.Context, job *Job) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return fmt.Errorf("transient failure")
		}
		return nil
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "custom", "override_job", map[string]string{},
		&Options{BackoffBase: 10 * time.Millisecond})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&attempts) == 2 })
}

func TestMemoryQueueExhaustsAttempts(t *testing.T) {
	q := setupTestQueue(t)

	var attempts int32
	err := q.Process("doomed", 1, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&attempts, 1)
		return fmt.Errorf("permanent failure")
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "doomed", "failing_job", map[string]string{}, nil)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&attempts) == 3 })
	// Give it a chance to over-deliver; it must not.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	stats := q.Stats()
	assert.Equal(t, 1, stats["failed"])
}

func TestMemoryQueueRejectsDuplicateHandler(t *testing.T) {
	q := setupTestQueue(t)

	handler := func(ctx context.Context, job *Job) error { return nil }
	require.NoError(t, q.Process("work", 1, handler))
	assert.Error(t, q.Process("work", 1, handler))
}

func TestMemoryQueueConcurrencyLimit(t *testing.T) {
	q := setupTestQueue(t)

	var active, peak int32
	err := q.Process("limited", 2, func(ctx context.Context, job *Job) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(context.Background(), "limited", "slow_job", map[string]int{"n": i}, nil)
		require.NoError(t, err)
	}

	waitFor(t, 3*time.Second, func() bool {
		stats := q.Stats()
		return stats["completed"] == 6
	})
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestMemoryQueueCloseRejectsEnqueue(t *testing.T) {
	q := NewMemoryQueue(Options{})
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), "work", "late_job", nil, nil)
	assert.Error(t, err)
	assert.Error(t, q.Health())
}
