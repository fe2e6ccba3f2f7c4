// Package bus routes typed envelopes between agents over the job queue,
// which gives every envelope at-least-once delivery. Requests are matched
// to responses by correlation id; notifications and events fan out to
// every matching subscriber.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coilworks/coil/internal/errdefs"
	"github.com/coilworks/coil/internal/queue"
	"github.com/coilworks/coil/pkg/messages"
)

// DefaultRequestTimeout bounds how long a request waits for its response.
const DefaultRequestTimeout = 30 * time.Second

// Envelopes travel on their own queue; a single worker keeps delivery to
// the same target in enqueue order.
const (
	envelopeQueue      = "bus.messages"
	jobDeliverEnvelope = "deliver_envelope"
)

// HandlerFunc processes one delivered envelope. The returned error is
// logged; it does not stop delivery to other subscribers.
type HandlerFunc func(ctx context.Context, env *messages.Envelope) error

// FilterFunc decides whether a subscription wants an envelope. A nil
// filter accepts everything.
type FilterFunc func(env *messages.Envelope) bool

type subscription struct {
	id       int
	target   string
	priority messages.Priority
	filter   FilterFunc
	handler  HandlerFunc
}

// Bus delivers envelopes through the job queue. Publish enqueues; a
// queue worker dispatches each envelope to subscribers in descending
// priority order, and one misbehaving handler never blocks the rest.
type Bus struct {
	queue queue.Queue

	mu      sync.RWMutex
	subs    map[string][]*subscription // keyed by target (agent name or Broadcast)
	nextID  int
	pending map[string]chan *messages.Envelope // keyed by correlation id
	timeout time.Duration
	closed  bool
}

// Config tunes the bus.
type Config struct {
	RequestTimeout time.Duration
}

// New creates a message bus on top of the given queue and registers its
// envelope worker.
func New(q queue.Queue, cfg Config) (*Bus, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	b := &Bus{
		queue:   q,
		subs:    make(map[string][]*subscription),
		pending: make(map[string]chan *messages.Envelope),
		timeout: cfg.RequestTimeout,
	}
	if err := q.Process(envelopeQueue, 1, b.handleDeliver); err != nil {
		return nil, fmt.Errorf("failed to register envelope worker: %w", err)
	}
	return b, nil
}

// Subscribe registers a handler for envelopes addressed to target. Pass
// messages.Broadcast to receive every envelope. Higher-priority
// subscriptions for the same target are invoked first. The returned
// function cancels the subscription.
func (b *Bus) Subscribe(target string, priority messages.Priority, filter FilterFunc, handler HandlerFunc) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if target == "" {
		return nil, fmt.Errorf("target cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	b.nextID++
	sub := &subscription{
		id:       b.nextID,
		target:   target,
		priority: priority,
		filter:   filter,
		handler:  handler,
	}
	b.subs[target] = append(b.subs[target], sub)
	sort.SliceStable(b.subs[target], func(i, j int) bool {
		return b.subs[target][i].priority > b.subs[target][j].priority
	})

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[target]
		for i, s := range list {
			if s.id == id {
				b.subs[target] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}, nil
}

// Publish enqueues an envelope for delivery.
func (b *Bus) Publish(ctx context.Context, env *messages.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	if _, err := b.queue.Enqueue(ctx, envelopeQueue, jobDeliverEnvelope, env, nil); err != nil {
		return fmt.Errorf("failed to enqueue envelope: %w", err)
	}
	return nil
}

// handleDeliver is the queue worker for envelopes. Fan-out is best-effort
// by contract, so it never returns an error for a subscriber failure; the
// queue's retry policy only sees undecodable payloads.
func (b *Bus) handleDeliver(ctx context.Context, job *queue.Job) error {
	var env messages.Envelope
	if err := job.Decode(&env); err != nil {
		return err
	}
	b.dispatch(ctx, &env)
	return nil
}

// dispatch hands one envelope to its subscribers. Responses are first
// checked against the pending request table; a response with no
// outstanding request is dropped.
func (b *Bus) dispatch(ctx context.Context, env *messages.Envelope) {
	if env.Type == messages.TypeResponse {
		if !b.resolvePending(env) {
			log.Printf("[Bus] Dropping response %s with no outstanding request (correlation %s)",
				env.ID, env.CorrelationID)
		}
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var targets []*subscription
	if env.To == messages.Broadcast {
		// A broadcast reaches every subscriber regardless of target.
		for _, list := range b.subs {
			targets = append(targets, list...)
		}
	} else {
		targets = append(targets, b.subs[env.To]...)
		targets = append(targets, b.subs[messages.Broadcast]...)
	}
	b.mu.RUnlock()

	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].priority > targets[j].priority
	})

	for _, sub := range targets {
		if sub.filter != nil && !sub.filter(env) {
			continue
		}
		b.deliver(ctx, sub, env)
	}
}

// deliver invokes one handler, isolating panics and logging errors so a
// bad subscriber cannot take down the worker.
func (b *Bus) deliver(ctx context.Context, sub *subscription, env *messages.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bus] Handler for %s panicked on %s %s: %v", sub.target, env.Type, env.Action, r)
		}
	}()
	if err := sub.handler(ctx, env); err != nil {
		log.Printf("[Bus] Handler for %s failed on %s %s: %v", sub.target, env.Type, env.Action, err)
	}
}

// Request sends a request envelope and blocks until the correlated
// response arrives, the timeout elapses, or the context is canceled. The
// pending entry is removed on every path so the table cannot leak.
func (b *Bus) Request(ctx context.Context, from, to, action string, payload json.RawMessage) (*messages.Envelope, error) {
	env := messages.NewRequest(from, to, action, payload)

	ch := make(chan *messages.Envelope, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	b.pending[env.CorrelationID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, env.CorrelationID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("bus closed while waiting for response")
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s -> %s %s after %s",
			errdefs.ErrRequestTimeout, from, to, action, b.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond publishes a response correlated to the given request.
func (b *Bus) Respond(ctx context.Context, req *messages.Envelope, from string, success bool, payload json.RawMessage, errMsg string) error {
	if req == nil || req.CorrelationID == "" {
		return fmt.Errorf("cannot respond to a request without a correlation id")
	}
	return b.Publish(ctx, messages.NewResponse(req, from, success, payload, errMsg))
}

// Notify publishes a fire-and-forget notification to one target.
func (b *Bus) Notify(ctx context.Context, from, to, action string, payload json.RawMessage) error {
	return b.Publish(ctx, messages.NewNotification(from, to, action, payload))
}

// EmitEvent broadcasts an event to every subscriber.
func (b *Bus) EmitEvent(ctx context.Context, from, action string, payload json.RawMessage) error {
	return b.Publish(ctx, messages.NewEvent(from, action, payload))
}

func (b *Bus) resolvePending(env *messages.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}
	b.mu.Lock()
	ch, ok := b.pending[env.CorrelationID]
	if ok {
		delete(b.pending, env.CorrelationID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// Stats returns bus statistics for debugging.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, list := range b.subs {
		total += len(list)
	}
	return map[string]interface{}{
		"targets":          len(b.subs),
		"subscriptions":    total,
		"pending_requests": len(b.pending),
	}
}

// Health reports whether the bus is accepting publishes.
func (b *Bus) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close rejects further publishes and fails all pending requests. The
// underlying queue stays open; its owner closes it.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	return nil
}
