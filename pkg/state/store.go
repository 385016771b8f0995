package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/equitylens/research-orchestrator/pkg/domain"
)

// MemoryStore is the in-memory persistence collaborator. The core
// calls it at every state transition; records are deep-copied on save
// and load so the store never aliases state the dispatcher or executor
// is still mutating.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*domain.Task
	runs     map[string]*domain.WorkflowRun
	sessions map[string]*domain.ResearchSession
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*domain.Task),
		runs:     make(map[string]*domain.WorkflowRun),
		sessions: make(map[string]*domain.ResearchSession),
	}
}

// SaveTask saves a snapshot of the task
func (m *MemoryStore) SaveTask(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: task id is required", domain.ErrInvalidTask)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[task.ID] = task.Clone()
	return nil
}

// LoadTask loads a task by id
func (m *MemoryStore) LoadTask(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, exists := m.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}

	return task.Clone(), nil
}

// SaveWorkflowRun saves a snapshot of the workflow run
func (m *MemoryStore) SaveWorkflowRun(ctx context.Context, run *domain.WorkflowRun) error {
	if run.ID == "" {
		return fmt.Errorf("workflow run id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs[run.ID] = run.Clone()
	return nil
}

// LoadWorkflowRun loads a workflow run by id
func (m *MemoryStore) LoadWorkflowRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}

	return run.Clone(), nil
}

// SaveSession saves a snapshot of the research session
func (m *MemoryStore) SaveSession(ctx context.Context, session *domain.ResearchSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.ID] = session.Clone()
	return nil
}

// LoadSession loads a research session by id
func (m *MemoryStore) LoadSession(ctx context.Context, id string) (*domain.ResearchSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	return session.Clone(), nil
}
