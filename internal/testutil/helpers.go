package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/equitylens/research-orchestrator/pkg/domain"
)

// TestTimeout provides a standard timeout for test contexts
const TestTimeout = 5 * time.Second

// NewTestContext creates a context with standard test timeout
func NewTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	t.Cleanup(cancel)
	return ctx
}

// NewTestTask creates a pending task for the given agent type
func NewTestTask(id, agentType string) *domain.Task {
	return &domain.Task{
		ID:        id,
		AgentType: agentType,
		Operation: "test_operation",
		Input:     map[string]interface{}{"symbol": "ACME"},
		Status:    domain.TaskStatusPending,
		Priority:  domain.PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// NewTestWorkflow creates a small diamond-shaped workflow definition
func NewTestWorkflow(agentType string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:   "test-workflow",
		Name: "Test Workflow",
		Steps: []domain.WorkflowStep{
			{Name: "a", AgentType: agentType, Operation: "op_a"},
			{Name: "b", AgentType: agentType, Operation: "op_b", DependsOn: []string{"a"}},
			{Name: "c", AgentType: agentType, Operation: "op_c", DependsOn: []string{"a"}},
			{Name: "d", AgentType: agentType, Operation: "op_d", DependsOn: []string{"b", "c"}},
		},
	}
}

// AssertEqual checks if two values are equal
func AssertEqual(t *testing.T, expected, actual interface{}, msg string) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertNoError checks if error is nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError checks if error is not nil
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error but got nil", msg)
	}
}

// Eventually polls cond until it returns true or the deadline passes
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("%s: condition not met within %s", msg, timeout)
}
