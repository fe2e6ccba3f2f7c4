package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Default delivery policy: 3 attempts, exponential backoff starting at 1s.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 1 * time.Second
	DefaultConcurrency = 5
)

// Retention windows for finished jobs.
const (
	CompletedRetention      = 24 * time.Hour
	CompletedRetentionCount = 1000
	FailedRetention         = 7 * 24 * time.Hour
)

// Job is one unit of queued work. Delivery is at-least-once: a job may be
// handed to a handler again after a failure until attempts are exhausted.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"` // 1-based
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}

// Handler processes one delivered job. A non-nil error triggers the
// queue's retry policy.
type Handler func(ctx context.Context, job *Job) error

// Options overrides the queue's default delivery policy for one job.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Queue is a durable, named work queue with per-job retry and backoff.
// Jobs on the same queue are dispatched in enqueue order; nothing is
// ordered across queues.
type Queue interface {
	// Enqueue adds a job to the named queue and returns its id.
	Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts *Options) (string, error)

	// Process registers the handler for a queue with the given concurrency
	// limit. At most one handler may be registered per queue.
	Process(queueName string, concurrency int, handler Handler) error

	// Health reports whether the queue transport is usable.
	Health() error

	// Stats returns transport statistics for debugging.
	Stats() map[string]interface{}

	// Close stops delivery and releases transport resources.
	Close() error
}
