package agent

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/coilworks/coil/internal/errdefs"
)

// Registry holds the named agents available to the runner and
// orchestrator. Registration normally happens once at startup, but the
// registry is safe for concurrent use because the self-repair controller
// reads it while runs are in flight.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Re-registering a name replaces the previous
// agent; callers that care should check Get first.
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("agent cannot be nil")
	}
	if a.Name() == "" {
		return fmt.Errorf("agent name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		log.Printf("[Registry] Replacing agent %s", a.Name())
	}
	r.agents[a.Name()] = a
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrAgentNotFound, name)
	}
	return a, nil
}

// List returns the registered agent names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes an agent by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}
