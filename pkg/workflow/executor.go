package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/equitylens/research-orchestrator/pkg/dispatch"
	"github.com/equitylens/research-orchestrator/pkg/domain"
	"github.com/equitylens/research-orchestrator/pkg/observability"
)

// Executor runs workflow definitions as waves of concurrent tasks.
// Steps become eligible when every dependency has completed; each wave
// dispatches all eligible steps at once and waits for the wave to
// drain before scheduling the next. A failed step transitively cancels
// every step downstream of it without dispatching a task.
type Executor struct {
	dispatcher *dispatch.Dispatcher
	store      domain.RunStore
	logger     observability.Logger
	metrics    *observability.Metrics

	mu     sync.Mutex
	active map[string]*runState
}

// runState tracks one in-flight run: done closes when the wave loop
// exits, cancel aborts the loop before its next dispatch.
type runState struct {
	done   chan struct{}
	cancel context.CancelFunc
}

// NewExecutor creates a workflow executor
func NewExecutor(dispatcher *dispatch.Dispatcher, store domain.RunStore, logger observability.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = observability.NewStructuredLogger("workflow")
	}
	return &Executor{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		active:     make(map[string]*runState),
	}
}

// Validate checks a workflow definition before any task is created.
// It rejects duplicate step names, dependencies on undeclared steps,
// and dependency cycles.
func Validate(def *domain.WorkflowDefinition) error {
	if def == nil || len(def.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}

	names := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow step without a name")
		}
		if names[step.Name] {
			return fmt.Errorf("duplicate step name: %s", step.Name)
		}
		names[step.Name] = true
	}

	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string)
	for _, step := range def.Steps {
		indegree[step.Name] += 0
		for _, dep := range step.DependsOn {
			if !names[dep] {
				return fmt.Errorf("%w: step %s depends on %s", domain.ErrUnknownDependency, step.Name, dep)
			}
			if dep == step.Name {
				return fmt.Errorf("%w: step %s depends on itself", domain.ErrCyclicWorkflow, step.Name)
			}
			indegree[step.Name]++
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	// Kahn's algorithm: if a topological order can't consume every
	// step, the remainder forms a cycle.
	queue := make([]string, 0, len(def.Steps))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(def.Steps) {
		return fmt.Errorf("%w: %s", domain.ErrCyclicWorkflow, def.ID)
	}

	return nil
}

// MergeInputs builds the effective input for one step: the run's
// initial input, overlaid with each completed dependency's output
// keyed by that dependency's step name, overlaid with the step's own
// declared input.
func MergeInputs(initial map[string]interface{}, depOutputs map[string]map[string]interface{}, step domain.WorkflowStep) map[string]interface{} {
	merged := make(map[string]interface{}, len(initial)+len(step.DependsOn)+len(step.Input))
	for k, v := range initial {
		merged[k] = v
	}
	for _, dep := range step.DependsOn {
		if out, ok := depOutputs[dep]; ok {
			merged[dep] = out
		}
	}
	for k, v := range step.Input {
		merged[k] = v
	}
	return merged
}

// Execute runs a workflow to completion and returns the final run
// record. Validation failures surface before any task is created.
func (e *Executor) Execute(ctx context.Context, def *domain.WorkflowDefinition, input map[string]interface{}) (*domain.WorkflowRun, error) {
	run, err := e.StartRun(ctx, def, input)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st := e.active[run.ID]
	e.mu.Unlock()

	if st != nil {
		select {
		case <-st.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return e.GetRun(ctx, run.ID)
}

// StartRun validates a workflow, records the run, and executes it in
// the background. Only validation errors are synchronous; step
// failures are reported through the run record.
func (e *Executor) StartRun(ctx context.Context, def *domain.WorkflowDefinition, input map[string]interface{}) (*domain.WorkflowRun, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	run := &domain.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Status:     domain.TaskStatusRunning,
		StepTasks:  make(map[string]string),
		StepStatus: make(map[string]domain.TaskStatus, len(def.Steps)),
		StartedAt:  time.Now(),
	}
	for _, step := range def.Steps {
		run.StepStatus[step.Name] = domain.TaskStatusPending
	}
	e.persist(ctx, run)

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	st := &runState{done: make(chan struct{}), cancel: cancelRun}
	e.mu.Lock()
	e.active[run.ID] = st
	e.mu.Unlock()

	snapshot := run.Clone()
	go func() {
		defer cancelRun()
		defer close(st.done)
		e.run(runCtx, def, run, input)
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
	}()

	return snapshot, nil
}

// GetRun returns a snapshot of a workflow run
func (e *Executor) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	return e.store.LoadWorkflowRun(ctx, id)
}

// CancelRun cancels a run: the wave loop dispatches nothing further,
// in-flight tasks are cancelled, and steps that never got a task are
// marked cancelled.
func (e *Executor) CancelRun(ctx context.Context, id string) error {
	run, err := e.store.LoadWorkflowRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	// Stop the wave loop before touching tasks, so the cancel can't
	// race a fully-completed wave into dispatching the next one.
	e.mu.Lock()
	st := e.active[id]
	e.mu.Unlock()
	if st != nil {
		st.cancel()
	}

	for step, taskID := range run.StepTasks {
		if run.StepStatus[step].Terminal() {
			continue
		}
		if err := e.dispatcher.Cancel(taskID); err != nil {
			e.logger.Warn(ctx, "Failed to cancel step task", map[string]interface{}{
				"run_id":  id,
				"step":    step,
				"task_id": taskID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

type stepResult struct {
	name string
	task *domain.Task
}

// run drives one workflow run through its waves
func (e *Executor) run(ctx context.Context, def *domain.WorkflowDefinition, run *domain.WorkflowRun, input map[string]interface{}) {
	outputs := make(map[string]map[string]interface{}, len(def.Steps))

	for {
		e.propagateCancellations(def, run)

		// A cancelled run dispatches no further waves; whatever is
		// still pending is marked cancelled.
		if ctx.Err() != nil {
			e.cancelPendingSteps(run)
			break
		}

		wave := e.eligibleSteps(def, run)
		if len(wave) == 0 {
			break
		}

		results := make(chan stepResult, len(wave))
		dispatched := 0
		for _, step := range wave {
			handle, err := e.dispatchStep(ctx, run, step, MergeInputs(input, outputs, step))
			if err != nil {
				if ctx.Err() != nil {
					run.StepStatus[step.Name] = domain.TaskStatusCancelled
					continue
				}
				run.StepStatus[step.Name] = domain.TaskStatusFailed
				if run.ErrorMessage == "" {
					run.ErrorMessage = fmt.Sprintf("step %s: %s", step.Name, err.Error())
				}
				continue
			}
			run.StepStatus[step.Name] = domain.TaskStatusRunning
			dispatched++

			go func(name string, h *dispatch.TaskHandle) {
				var final *domain.Task
				spanErr := observability.InstrumentWorkflowStep(ctx, run.ID, name, func(waitCtx context.Context) error {
					// The task resolves through the dispatcher even
					// when the run is cancelled mid-wave.
					task, waitErr := h.Wait(context.WithoutCancel(waitCtx))
					if waitErr != nil {
						return waitErr
					}
					final = task
					if task.Status != domain.TaskStatusCompleted {
						return fmt.Errorf("step %s %s: %s", name, task.Status, task.ErrorMessage)
					}
					return nil
				})
				if final == nil {
					final = &domain.Task{Status: domain.TaskStatusFailed, ErrorMessage: spanErr.Error()}
				}
				results <- stepResult{name: name, task: final}
			}(step.Name, handle)
		}
		e.persist(ctx, run)

		for i := 0; i < dispatched; i++ {
			res := <-results
			run.StepStatus[res.name] = res.task.Status
			run.StepOrder = append(run.StepOrder, res.name)
			if res.task.Status == domain.TaskStatusCompleted {
				outputs[res.name] = res.task.Output
			} else if run.ErrorMessage == "" && res.task.Status == domain.TaskStatusFailed {
				run.ErrorMessage = fmt.Sprintf("step %s: %s", res.name, res.task.ErrorMessage)
			}
			e.persist(ctx, run)
		}
	}

	e.propagateCancellations(def, run)
	e.finish(ctx, run)
}

// dispatchStep submits one task for a workflow step
func (e *Executor) dispatchStep(ctx context.Context, run *domain.WorkflowRun, step domain.WorkflowStep, input map[string]interface{}) (*dispatch.TaskHandle, error) {
	task := &domain.Task{
		ID:            fmt.Sprintf("%s-%s", run.ID, step.Name),
		AgentType:     step.AgentType,
		Operation:     step.Operation,
		Input:         input,
		Status:        domain.TaskStatusPending,
		Priority:      domain.PriorityNormal,
		WorkflowRunID: run.ID,
	}

	handle, err := e.dispatcher.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	run.StepTasks[step.Name] = task.ID
	return handle, nil
}

// eligibleSteps returns pending steps whose dependencies have all
// completed
func (e *Executor) eligibleSteps(def *domain.WorkflowDefinition, run *domain.WorkflowRun) []domain.WorkflowStep {
	var eligible []domain.WorkflowStep
	for _, step := range def.Steps {
		if run.StepStatus[step.Name] != domain.TaskStatusPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if run.StepStatus[dep] != domain.TaskStatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, step)
		}
	}
	return eligible
}

// cancelPendingSteps marks every step that never got a task as
// cancelled, regardless of dependency position.
func (e *Executor) cancelPendingSteps(run *domain.WorkflowRun) {
	for name, status := range run.StepStatus {
		if status == domain.TaskStatusPending {
			run.StepStatus[name] = domain.TaskStatusCancelled
		}
	}
}

// propagateCancellations marks every pending step downstream of a
// failed or cancelled step as cancelled, without creating a task.
func (e *Executor) propagateCancellations(def *domain.WorkflowDefinition, run *domain.WorkflowRun) {
	for changed := true; changed; {
		changed = false
		for _, step := range def.Steps {
			if run.StepStatus[step.Name] != domain.TaskStatusPending {
				continue
			}
			for _, dep := range step.DependsOn {
				depStatus := run.StepStatus[dep]
				if depStatus == domain.TaskStatusFailed || depStatus == domain.TaskStatusCancelled {
					run.StepStatus[step.Name] = domain.TaskStatusCancelled
					changed = true
					break
				}
			}
		}
	}
}

// finish assigns the run's terminal status from its step statuses
func (e *Executor) finish(ctx context.Context, run *domain.WorkflowRun) {
	status := domain.TaskStatusCompleted
	for _, stepStatus := range run.StepStatus {
		switch stepStatus {
		case domain.TaskStatusFailed:
			status = domain.TaskStatusFailed
		case domain.TaskStatusCancelled:
			if status != domain.TaskStatusFailed {
				status = domain.TaskStatusCancelled
			}
		}
	}

	now := time.Now()
	run.Status = status
	run.CompletedAt = &now
	e.persist(ctx, run)

	if e.metrics != nil {
		e.metrics.RecordWorkflowRun(ctx, run.WorkflowID, string(status), now.Sub(run.StartedAt))
	}
	e.logger.Info(ctx, "Workflow run finished", map[string]interface{}{
		"run_id":      run.ID,
		"workflow_id": run.WorkflowID,
		"status":      string(status),
		"steps":       len(run.StepStatus),
	})
}

// persist saves a run snapshot; store failures are logged, never
// propagated into run state.
func (e *Executor) persist(ctx context.Context, run *domain.WorkflowRun) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveWorkflowRun(ctx, run.Clone()); err != nil {
		e.logger.Warn(ctx, "Failed to persist workflow run", map[string]interface{}{
			"run_id": run.ID,
			"error":  err.Error(),
		})
	}
}
