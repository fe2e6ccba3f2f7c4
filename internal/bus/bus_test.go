package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/internal/queue"
	"github.com/coilworks/coil/pkg/messages"
)

func setupTestBus(t *testing.T) *Bus {
	t.Helper()
	q := queue.NewMemoryQueue(queue.Options{})
	b, err := New(q, Config{RequestTimeout: 500 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		_ = q.Close()
	})
	return b
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

func TestEnvelopesTravelOnTheQueue(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	b, err := New(q, Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		_ = q.Close()
	})

	var delivered int32
	var mu sync.Mutex
	_, err = b.Subscribe("worker", messages.PriorityNormal, nil, func(ctx context.Context, env *messages.Envelope) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Notify(context.Background(), "sender", "worker", "ping", nil))

	// The envelope is a queue job, so delivery shows up in the queue's
	// completed count.
	waitFor(t, 2*time.Second, func() bool { return q.Stats()["completed"] == 1 })
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, delivered)
}

func TestRequestResponse(t *testing.T) {
	b := setupTestBus(t)

	_, err := b.Subscribe("responder", messages.PriorityNormal, nil, func(ctx context.Context, env *messages.Envelope) error {
		if env.Type != messages.TypeRequest {
			return nil
		}
		payload, _ := messages.MarshalPayload(map[string]string{"answer": "42"})
		return b.Respond(ctx, env, "responder", true, payload, "")
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "asker", "responder", "compute", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "responder", resp.From)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, "42", result["answer"])
}

func TestRequestTimeout(t *testing.T) {
	b := setupTestBus(t)

	// Nobody responds.
	_, err := b.Subscribe("silent", messages.PriorityNormal, nil, func(ctx context.Context, env *messages.Envelope) error {
		return nil
	})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), "asker", "silent", "ignored", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrRequestTimeout))

	// The pending entry must be removed on timeout.
	stats := b.Stats()
	assert.Equal(t, 0, stats["pending_requests"])
}

func TestUnknownCorrelationDropped(t *testing.T) {
	b := setupTestBus(t)

	var mu sync.Mutex
	var seen []messages.Type
	_, err := b.Subscribe("asker", messages.PriorityNormal, nil, func(ctx context.Context, env *messages.Envelope) error {
		mu.Lock()
		seen = append(seen, env.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	orphan := &messages.Envelope{
		ID:            "orphan",
		Type:          messages.TypeResponse,
		From:          "nobody",
		To:            "asker",
		CorrelationID: "never-issued",
		Timestamp:     time.Now(),
	}
	require.NoError(t, b.Publish(context.Background(), orphan))

	// A notification published afterwards arrives, proving the orphan
	// response was dispatched first and dropped rather than fanned out.
	require.NoError(t, b.Notify(context.Background(), "sender", "asker", "ping", nil))
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []messages.Type{messages.TypeNotification}, seen)
	assert.Equal(t, 0, b.Stats()["pending_requests"])
}

func TestNoPendingLeakAfterManyTimeouts(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	b, err := New(q, Config{RequestTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		_ = q.Close()
	})

	for i := 0; i < 20; i++ {
		_, err := b.Request(context.Background(), "asker", "void", "ignored", nil)
		require.Error(t, err)
	}
	assert.Equal(t, 0, b.Stats()["pending_requests"])
}

func TestPriorityOrdering(t *testing.T) {
	b := setupTestBus(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) HandlerFunc {
		return func(ctx context.Context, env *messages.Envelope) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	_, err := b.Subscribe("worker", messages.PriorityLow, nil, record("low"))
	require.NoError(t, err)
	_, err = b.Subscribe("worker", messages.PriorityHigh, nil, record("high"))
	require.NoError(t, err)
	_, err = b.Subscribe("worker", messages.PriorityNormal, nil, record("normal"))
	require.NoError(t, err)

	require.NoError(t, b.Notify(context.Background(), "sender", "worker", "ping", nil))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestFilterAppliedPerSubscription(t *testing.T) {
	b := setupTestBus(t)

	var mu sync.Mutex
	var seen []string
	total := 0
	onlyPing := func(env *messages.Envelope) bool { return env.Action == "ping" }

	_, err := b.Subscribe("worker", messages.PriorityNormal, onlyPing, func(ctx context.Context, env *messages.Envelope) error {
		mu.Lock()
		seen = append(seen, env.Action)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	// Unfiltered subscriber marks when both envelopes have been dispatched.
	_, err = b.Subscribe("worker", messages.PriorityLow, nil, func(ctx context.Context, env *messages.Envelope) error {
		mu.Lock()
		total++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Notify(context.Background(), "sender", "worker", "ping", nil))
	require.NoError(t, b.Notify(context.Background(), "sender", "worker", "pong", nil))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ping"}, seen)
}

func TestHandlerFailureDoesNotBlockOthers(t *testing.T) {
	b := setupTestBus(t)

	var mu sync.Mutex
	delivered := 0

	_, err := b.Subscribe("worker", messages.PriorityHigh, nil, func(ctx context.Context, env *messages.Envelope) error {
		return errors.New("handler exploded")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("worker", messages.PriorityHigh, nil, func(ctx context.Context, env *messages.Envelope) error {
		panic("handler panicked")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("worker", messages.PriorityLow, nil, func(ctx context.Context, env *messages.Envelope) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Notify(context.Background(), "sender", "worker", "ping", nil))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := setupTestBus(t)

	var mu sync.Mutex
	got := map[string]bool{}
	subscribe := func(name string) {
		_, err := b.Subscribe(name, messages.PriorityNormal, nil, func(ctx context.Context, env *messages.Envelope) error {
			mu.Lock()
			got[name] = true
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	subscribe("a")
	subscribe("b")

	_, err := b.Subscribe(messages.Broadcast, messages.PriorityNormal, nil, func(ctx context.Context, env *messages.Envelope) error {
		mu.Lock()
		got["watcher"] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.EmitEvent(context.Background(), "sender", "something_happened", nil))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["a"] && got["b"] && got["watcher"]
	})
}

func TestUnsubscribe(t *testing.T) {
	b := setupTestBus(t)

	var mu sync.Mutex
	count := 0
	witnessed := 0
	cancel, err := b.Subscribe("worker", messages.PriorityNormal, nil, func(ctx context.Context, env *messages.Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	// Persistent subscriber proves both envelopes were dispatched.
	_, err = b.Subscribe("worker", messages.PriorityLow, nil, func(ctx context.Context, env *messages.Envelope) error {
		mu.Lock()
		witnessed++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Notify(context.Background(), "sender", "worker", "ping", nil))
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return witnessed == 1
	})
	cancel()
	require.NoError(t, b.Notify(context.Background(), "sender", "worker", "ping", nil))
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return witnessed == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
