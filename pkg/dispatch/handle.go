package dispatch

import (
	"context"

	"github.com/equitylens/research-orchestrator/pkg/domain"
)

// TaskHandle lets the submitter observe one task's completion.
// The handle resolves exactly once, when the task reaches a terminal
// state, with a snapshot of the final task record.
type TaskHandle struct {
	taskID string
	done   chan struct{}
	final  *domain.Task
}

func newTaskHandle(taskID string) *TaskHandle {
	return &TaskHandle{
		taskID: taskID,
		done:   make(chan struct{}),
	}
}

// TaskID returns the id of the task this handle tracks
func (h *TaskHandle) TaskID() string {
	return h.taskID
}

// Done returns a channel closed when the task reaches a terminal state
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task reaches a terminal state or ctx is
// cancelled, returning a snapshot of the final task record.
func (h *TaskHandle) Wait(ctx context.Context) (*domain.Task, error) {
	select {
	case <-h.done:
		return h.final.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve publishes the final snapshot and releases all waiters.
func (h *TaskHandle) resolve(final *domain.Task) {
	h.final = final
	close(h.done)
}
