package domain

import (
	"time"
)

// TaskStatus represents the current state of a dispatched task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a transition from s to next is legal.
// Pending may move to Running or Cancelled; Running may move to any
// terminal state; terminal states are frozen.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next.Terminal()
	}
	return false
}

// TaskPriority labels a task's importance. It is carried on the record
// and surfaced to callers; agent queues dispatch in FIFO order.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire-level priority name to a TaskPriority.
// Unrecognized names fall back to normal.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Task is one dispatchable unit of work executed by exactly one agent-type worker.
// Task records are mutated exclusively by the dispatcher that owns them.
type Task struct {
	ID            string                 `json:"id"`
	AgentType     string                 `json:"agent_type"`
	Operation     string                 `json:"operation"`
	Input         map[string]interface{} `json:"input,omitempty"`
	Output        map[string]interface{} `json:"output,omitempty"`
	Status        TaskStatus             `json:"status"`
	Priority      TaskPriority           `json:"priority"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	WorkflowRunID string                 `json:"workflow_run_id,omitempty"`
}

// Clone returns a deep copy of the task safe for callers to read
// while the dispatcher keeps mutating the original.
func (t *Task) Clone() *Task {
	c := *t
	c.Input = cloneValueMap(t.Input)
	c.Output = cloneValueMap(t.Output)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// WorkflowStep is a named node in a workflow's dependency graph
type WorkflowStep struct {
	Name      string                 `json:"name"`
	AgentType string                 `json:"agent_type"`
	Operation string                 `json:"operation"`
	DependsOn []string               `json:"depends_on,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

// WorkflowDefinition is a declared DAG of named steps
type WorkflowDefinition struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Steps []WorkflowStep `json:"steps"`
}

// Step returns the step with the given name, if declared.
func (d *WorkflowDefinition) Step(name string) (WorkflowStep, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// WorkflowRun is one concrete execution of a WorkflowDefinition.
// StepTasks maps step name to the id of the task dispatched for it;
// StepOrder records step names in completion order. Steps cancelled
// before dispatch appear in StepStatus but not in StepTasks.
type WorkflowRun struct {
	ID           string                `json:"id"`
	WorkflowID   string                `json:"workflow_id"`
	Status       TaskStatus            `json:"status"`
	StepTasks    map[string]string     `json:"step_tasks"`
	StepStatus   map[string]TaskStatus `json:"step_status"`
	StepOrder    []string              `json:"step_order"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

// Clone returns a deep copy of the run.
func (r *WorkflowRun) Clone() *WorkflowRun {
	c := *r
	c.StepTasks = make(map[string]string, len(r.StepTasks))
	for k, v := range r.StepTasks {
		c.StepTasks[k] = v
	}
	c.StepStatus = make(map[string]TaskStatus, len(r.StepStatus))
	for k, v := range r.StepStatus {
		c.StepStatus[k] = v
	}
	c.StepOrder = append([]string(nil), r.StepOrder...)
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// SessionState represents the state of an autonomous research session
type SessionState string

const (
	SessionExploring SessionState = "exploring"
	SessionConverged SessionState = "converged"
	SessionExhausted SessionState = "exhausted"
)

// ResearchIteration is one pass of the autonomous research loop
type ResearchIteration struct {
	Question   string    `json:"question"`
	Answer     string    `json:"answer,omitempty"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources,omitempty"`
	FollowUps  []string  `json:"follow_up_questions,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResearchSession accumulates the ordered iterations produced for one
// root question plus the running recency-weighted confidence.
type ResearchSession struct {
	ID          string              `json:"id"`
	Question    string              `json:"question"`
	State       SessionState        `json:"state"`
	Iterations  []ResearchIteration `json:"iterations"`
	Confidence  float64             `json:"confidence"`
	Synthesis   string              `json:"synthesis,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *ResearchSession) Clone() *ResearchSession {
	c := *s
	c.Iterations = make([]ResearchIteration, len(s.Iterations))
	for i, it := range s.Iterations {
		itc := it
		itc.Sources = append([]string(nil), it.Sources...)
		itc.FollowUps = append([]string(nil), it.FollowUps...)
		c.Iterations[i] = itc
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

func cloneValueMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			c[k] = cloneValueMap(nested)
			continue
		}
		c[k] = v
	}
	return c
}
