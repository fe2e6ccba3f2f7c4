package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// MemoryQueue is an in-process Queue with the same delivery semantics as
// the NATS-backed one: at-least-once, per-queue enqueue order, bounded
// concurrency, exponential retry backoff, and retention of finished jobs.
// Used in development and tests; durability does not survive a restart.
type MemoryQueue struct {
	mu       sync.Mutex
	queues   map[string]*memQueue
	defaults Options
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool

	completed []finishedJob
	failed    []finishedJob
}

type finishedJob struct {
	job        *Job
	finishedAt time.Time
	err        string
}

type memQueue struct {
	name    string
	ch      chan *Job
	pending []*Job // jobs enqueued before Process was called
	handler Handler
	sem     *semaphore.Weighted
}

// NewMemoryQueue creates an in-memory queue with the given default policy.
func NewMemoryQueue(defaults Options) *MemoryQueue {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = DefaultMaxAttempts
	}
	if defaults.BackoffBase <= 0 {
		defaults.BackoffBase = DefaultBackoffBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		queues:   make(map[string]*memQueue),
		defaults: defaults,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts *Options) (string, error) {
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

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("queue is closed")
	}

	mq := q.getOrCreateLocked(queueName)
	if mq.handler == nil {
		mq.pending = append(mq.pending, job)
		return job.ID, nil
	}

	select {
	case mq.ch <- job:
	default:
		return "", fmt.Errorf("queue %s is full", queueName)
	}
	return job.ID, nil
}

func (q *MemoryQueue) Process(queueName string, concurrency int, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	mq := q.getOrCreateLocked(queueName)
	if mq.handler != nil {
		return fmt.Errorf("queue %s already has a handler", queueName)
	}
	mq.handler = handler
	mq.sem = semaphore.NewWeighted(int64(concurrency))

	// Flush jobs enqueued before the worker registered, preserving order.
	for _, job := range mq.pending {
		mq.ch <- job
	}
	mq.pending = nil

	q.wg.Add(1)
	go q.dispatch(mq)

	log.Printf("[Queue] Processing %s with concurrency %d", queueName, concurrency)
	return nil
}

func (q *MemoryQueue) getOrCreateLocked(queueName string) *memQueue {
	mq, ok := q.queues[queueName]
	if !ok {
		mq = &memQueue{
			name: queueName,
			ch:   make(chan *Job, 1024),
		}
		q.queues[queueName] = mq
	}
	return mq
}

// dispatch pulls jobs off the channel in order, acquiring a concurrency
// slot before launching each handler so delivery starts in enqueue order.
func (q *MemoryQueue) dispatch(mq *memQueue) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-mq.ch:
			if err := mq.sem.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.wg.Add(1)
			go func(job *Job) {
				defer q.wg.Done()
				defer mq.sem.Release(1)
				q.runJob(mq, job)
			}(job)
		}
	}
}

func (q *MemoryQueue) runJob(mq *memQueue, job *Job) {
	err := mq.handler(q.ctx, job)
	if err == nil {
		q.record(&q.completed, job, "")
		return
	}

	log.Printf("[Queue] Job %s (%s) attempt %d/%d failed: %v",
		job.Name, job.ID, job.Attempt, job.MaxAttempts, err)

	if job.Attempt >= job.MaxAttempts {
		q.record(&q.failed, job, err.Error())
		return
	}

	// Exponential backoff: base, 2*base, 4*base, ...
	base := job.BackoffBase
	if base <= 0 {
		base = q.defaults.BackoffBase
	}
	delay := base << (job.Attempt - 1)
	retry := *job
	retry.Attempt++

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		select {
		case mq.ch <- &retry:
		default:
			log.Printf("[Queue] Dropping retry for job %s: queue %s is full", retry.ID, mq.name)
		}
	})
}

// record appends a finished job and prunes per the retention policy.
func (q *MemoryQueue) record(list *[]finishedJob, job *Job, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	*list = append(*list, finishedJob{job: job, finishedAt: time.Now(), err: errMsg})

	retention := CompletedRetention
	if errMsg != "" {
		retention = FailedRetention
	}
	cutoff := time.Now().Add(-retention)
	pruned := (*list)[:0]
	for _, f := range *list {
		if f.finishedAt.After(cutoff) {
			pruned = append(pruned, f)
		}
	}
	if errMsg == "" && len(pruned) > CompletedRetentionCount {
		pruned = pruned[len(pruned)-CompletedRetentionCount:]
	}
	*list = pruned
}

func (q *MemoryQueue) Health() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	return nil
}

func (q *MemoryQueue) Stats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]interface{}{
		"backend":   "memory",
		"queues":    len(q.queues),
		"completed": len(q.completed),
		"failed":    len(q.failed),
	}
	for name, mq := range q.queues {
		stats["depth_"+name] = len(mq.ch) + len(mq.pending)
	}
	return stats
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
