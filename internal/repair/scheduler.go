package repair

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coilworks/coil/internal/agent"
)

// DefaultCheckInterval is how often the scheduler sweeps every agent.
const DefaultCheckInterval = 1 * time.Hour

// Scheduler runs the self-repair check over every registered agent on a
// fixed interval.
type Scheduler struct {
	controller *Controller
	registry   *agent.Registry
	interval   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler creates a repair scheduler.
func NewScheduler(controller *Controller, registry *agent.Registry, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Scheduler{controller: controller, registry: registry, interval: interval}
}

// Start begins the periodic sweep. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
	log.Printf("[Repair] Scheduler started with %s interval", s.interval)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep checks every registered agent once. Also callable on demand.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, name := range s.registry.List() {
		if ctx.Err() != nil {
			return
		}
		if s.controller.CheckAndRepairAgent(ctx, name) {
			log.Printf("[Repair] Repaired agent %s", name)
		}
	}
}

// Stop halts the sweep and waits for an in-flight one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	<-s.done
	log.Printf("[Repair] Scheduler stopped")
}
