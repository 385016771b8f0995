package domain

import (
	"context"
)

// Worker is a capability implementation registered under an agent-type
// key. Implementations must return within a bounded time or respect
// ctx cancellation. A worker whose task times out may keep executing
// after the dispatcher abandons it, so workers must be safe to abandon
// or idempotent with respect to side effects.
type Worker interface {
	Execute(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error)
}

// TaskStore persists task records for audit. Persistence is
// best-effort: the core logs store failures and never rolls back
// in-memory state on them.
type TaskStore interface {
	SaveTask(ctx context.Context, task *Task) error
	LoadTask(ctx context.Context, id string) (*Task, error)
}

// RunStore persists workflow run records.
type RunStore interface {
	SaveWorkflowRun(ctx context.Context, run *WorkflowRun) error
	LoadWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
}

// SessionStore persists research session records.
type SessionStore interface {
	SaveSession(ctx context.Context, session *ResearchSession) error
	LoadSession(ctx context.Context, id string) (*ResearchSession, error)
}

// Store is the full persistence collaborator consumed by the core.
type Store interface {
	TaskStore
	RunStore
	SessionStore
}
