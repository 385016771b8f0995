package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/equitylens/research-orchestrator/pkg/domain"
)

// Registry is the closed capability table mapping agent-type keys to
// workers. It is populated at process start and passed by reference to
// the dispatcher; there is no ambient global registry.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]domain.Worker
}

// NewRegistry creates an empty agent registry
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]domain.Worker),
	}
}

// Register registers a worker under an agent-type key
func (r *Registry) Register(agentType string, worker domain.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agentType == "" {
		return fmt.Errorf("%w: agent type cannot be empty", domain.ErrInvalidTask)
	}
	if worker == nil {
		return fmt.Errorf("%w: worker cannot be nil", domain.ErrInvalidTask)
	}

	if _, exists := r.workers[agentType]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateAgentType, agentType)
	}

	r.workers[agentType] = worker
	return nil
}

// Resolve retrieves the worker registered for an agent type
func (r *Registry) Resolve(agentType string) (domain.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, exists := r.workers[agentType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgentType, agentType)
	}

	return worker, nil
}

// Types returns the registered agent-type keys in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.workers))
	for t := range r.workers {
		types = append(types, t)
	}
	sort.Strings(types)

	return types
}

// WorkerFunc adapts a plain function to the Worker interface
type WorkerFunc func(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error)

// Execute implements domain.Worker
func (f WorkerFunc) Execute(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, operation, input)
}
