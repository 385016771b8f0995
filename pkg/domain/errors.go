package domain

import "errors"

// Sentinel errors for the orchestration core. Callers distinguish
// error kinds with errors.Is; messages carry the human-readable detail.
var (
	// ErrInvalidTask rejects a submission whose record is malformed
	// or not in pending status. Never retried by the core.
	ErrInvalidTask = errors.New("invalid task")

	// ErrDuplicateTask rejects a submission reusing an id the
	// dispatcher has already accepted, regardless of its state.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrTaskNotFound is returned for lookups of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownAgentType rejects work for an unregistered agent type.
	ErrUnknownAgentType = errors.New("unknown agent type")

	// ErrDuplicateAgentType rejects a second registration under a key.
	ErrDuplicateAgentType = errors.New("agent type already registered")

	// ErrCircuitOpen marks a call refused because the upstream's
	// circuit breaker is open. Callers should back off, not retry.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrTaskTimeout marks a task failed because its worker did not
	// return within the configured task timeout.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrCyclicWorkflow rejects a definition whose dependency graph
	// contains a cycle. Nothing is dispatched.
	ErrCyclicWorkflow = errors.New("workflow contains a dependency cycle")

	// ErrUnknownDependency rejects a definition with a depends_on
	// reference to an undeclared step. Nothing is dispatched.
	ErrUnknownDependency = errors.New("unknown step dependency")

	// ErrRunNotFound is returned for lookups of unknown workflow runs.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrSessionNotFound is returned for lookups of unknown research sessions.
	ErrSessionNotFound = errors.New("research session not found")

	// ErrSessionLimit rejects a new research session while the
	// configured number of sessions is still exploring.
	ErrSessionLimit = errors.New("research session limit reached")
)
