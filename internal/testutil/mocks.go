package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockWorker is a scriptable agent worker for testing. Responses maps
// operation names to canned outputs; unscripted operations echo the
// input back under "echo".
type MockWorker struct {
	mu            sync.Mutex
	Responses     map[string]map[string]interface{}
	CallCount     int
	LastOperation string
	LastInput     map[string]interface{}
	ShouldError   bool
	ErrorMessage  string
	// Delay is applied before answering, to exercise timeouts and
	// cancellation.
	Delay time.Duration
	// ExecuteFunc allows custom behavior for tests
	ExecuteFunc func(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error)
}

// NewMockWorker creates a new mock worker
func NewMockWorker() *MockWorker {
	return &MockWorker{
		Responses: make(map[string]map[string]interface{}),
	}
}

// Execute implements domain.Worker
func (m *MockWorker) Execute(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
	m.mu.Lock()
	m.CallCount++
	m.LastOperation = operation
	m.LastInput = input
	fn := m.ExecuteFunc
	delay := m.Delay
	shouldError := m.ShouldError
	errMsg := m.ErrorMessage
	response, scripted := m.Responses[operation]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, operation, input)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if shouldError {
		return nil, fmt.Errorf("%s", errMsg)
	}

	if scripted {
		return response, nil
	}

	return map[string]interface{}{"echo": input}, nil
}

// Calls returns the number of Execute invocations so far
func (m *MockWorker) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// FailingWorker always fails with the given message
func FailingWorker(message string) *MockWorker {
	return &MockWorker{
		Responses:    make(map[string]map[string]interface{}),
		ShouldError:  true,
		ErrorMessage: message,
	}
}

// SlowWorker answers after the given delay
func SlowWorker(delay time.Duration) *MockWorker {
	return &MockWorker{
		Responses: make(map[string]map[string]interface{}),
		Delay:     delay,
	}
}
