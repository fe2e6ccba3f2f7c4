package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

// NatsQueue implements Queue on NATS JetStream. Each named queue maps to
// one subject under the stream; durable consumers with explicit acks give
// at-least-once delivery, and MaxDeliver/AckWait implement the retry
// policy. Stream retention bounds how long finished jobs stick around.
type NatsQueue struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	defaults   Options
	subs       map[string]*nats.Subscription
}

// NatsConfig holds NATS connection configuration.
type NatsConfig struct {
	URL        string
	StreamName string
	Timeout    time.Duration
	Defaults   Options
}

// NewNatsQueue connects to NATS and ensures the job stream exists.
func NewNatsQueue(cfg NatsConfig) (*NatsQueue, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "COIL"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Defaults.MaxAttempts <= 0 {
		cfg.Defaults.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Defaults.BackoffBase <= 0 {
		cfg.Defaults.BackoffBase = DefaultBackoffBase
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Queue] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Queue] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	q := &NatsQueue{
		conn:       nc,
		js:         js,
		streamName: cfg.StreamName,
		defaults:   cfg.Defaults,
		subs:       make(map[string]*nats.Subscription),
	}

	if err := q.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[Queue] Connected to NATS at %s with stream %s", cfg.URL, cfg.StreamName)
	return q, nil
}

func (q *NatsQueue) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      q.streamName,
		Subjects:  []string{jobSubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    FailedRetention,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := q.js.StreamInfo(q.streamName); err != nil {
		if _, err := q.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[Queue] Created JetStream stream %s", q.streamName)
		return nil
	}

	if _, err := q.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

const jobSubjectPrefix = "coil.jobs"

func (q *NatsQueue) subject(queueName string) string {
	return fmt.Sprintf("%s.%s", jobSubjectPrefix, queueName)
}

func (q *NatsQueue) Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts *Options) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	maxAttempts := q.defaults.MaxAttempts
	if opts != nil && opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	backoff := q.defaults.BackoffBase
	if opts != nil && opts.BackoffBase > 0 {
		backoff = opts.BackoffBase
	}

	job := &Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Name:        jobName,
		Payload:     json.RawMessage(data),
		Attempt:     1,
		MaxAttempts: maxAttempts,
		BackoffBase: backoff,
		EnqueuedAt:  time.Now(),
	}

	msg, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if _, err := q.js.Publish(q.subject(queueName), msg); err != nil {
		return "", fmt.Errorf("failed to publish job to %s: %w", queueName, err)
	}
	return job.ID, nil
}

func (q *NatsQueue) Process(queueName string, concurrency int, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if _, exists := q.subs[queueName]; exists {
		return fmt.Errorf("queue %s already has a handler", queueName)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	consumerName := "jobs-" + queueName

	sub, err := q.js.Subscribe(q.subject(queueName), func(msg *nats.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Printf("[Queue] Failed to unmarshal job on %s: %v", queueName, err)
			_ = msg.Term() // malformed, redelivery won't help
			return
		}

		if meta, err := msg.Metadata(); err == nil {
			job.Attempt = int(meta.NumDelivered)
		}

		if err := sem.Acquire(context.Background(), 1); err != nil {
			_ = msg.Nak()
			return
		}
		go func() {
			defer sem.Release(1)
			if err := handler(context.Background(), &job); err != nil {
				log.Printf("[Queue] Job %s (%s) attempt %d/%d failed: %v",
					job.Name, job.ID, job.Attempt, job.MaxAttempts, err)
				// NakWithDelay implements the exponential backoff; JetStream's
				// MaxDeliver caps redelivery at MaxAttempts.
				base := job.BackoffBase
				if base <= 0 {
					base = q.defaults.BackoffBase
				}
				_ = msg.NakWithDelay(base << (job.Attempt - 1))
				return
			}
			_ = msg.Ack()
		}()
	},
		nats.Durable(consumerName),
		nats.AckExplicit(),
		nats.MaxDeliver(q.defaults.MaxAttempts),
		nats.AckWait(30*time.Second),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", queueName, err)
	}

	q.subs[queueName] = sub
	log.Printf("[Queue] Processing %s with consumer %s (concurrency %d)", queueName, consumerName, concurrency)
	return nil
}

func (q *NatsQueue) Health() error {
	if q.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !q.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := q.js.StreamInfo(q.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", q.streamName, err)
	}
	return nil
}

func (q *NatsQueue) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"backend":   "nats",
		"stream":    q.streamName,
		"connected": q.conn.IsConnected(),
		"consumers": len(q.subs),
	}
	if info, err := q.js.StreamInfo(q.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
	}
	return stats
}

func (q *NatsQueue) Close() error {
	for name, sub := range q.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[Queue] Failed to unsubscribe from %s: %v", name, err)
		}
	}
	q.conn.Close()
	return nil
}
