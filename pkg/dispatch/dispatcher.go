package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/equitylens/research-orchestrator/pkg/agent"
	"github.com/equitylens/research-orchestrator/pkg/domain"
	"github.com/equitylens/research-orchestrator/pkg/observability"
	"github.com/equitylens/research-orchestrator/pkg/resilience"
)

// Config configures the task dispatcher
type Config struct {
	// MaxConcurrentPerAgent bounds how many tasks of one agent type
	// execute simultaneously.
	MaxConcurrentPerAgent int
	// QueueSize is the per-agent-type queue buffer. Submit blocks only
	// once the buffer is full.
	QueueSize int
	// TaskTimeout bounds one task execution end to end.
	TaskTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerAgent: 4,
		QueueSize:             64,
		TaskTimeout:           300 * time.Second,
	}
}

// taskEntry is the dispatcher's mutable record for one accepted task.
// The task field is mutated only while holding the dispatcher mutex.
type taskEntry struct {
	task   *domain.Task
	handle *TaskHandle
	// cancel is closed at most once to abort a pending or running task.
	cancel     chan struct{}
	cancelOnce sync.Once
}

// Dispatcher routes accepted tasks to per-agent-type worker pools.
// Each agent type gets a FIFO queue drained by a fixed number of
// runner goroutines, so concurrency pressure on one agent type never
// starves another. Task ids are never reused: a terminal task's id
// still counts as a duplicate on resubmission.
type Dispatcher struct {
	cfg      Config
	registry *agent.Registry
	breakers *resilience.BreakerGroup
	limiters *resilience.LimiterGroup
	store    domain.TaskStore
	logger   observability.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	tasks  map[string]*taskEntry
	queues map[string]chan *taskEntry
	closed bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Worker pools are spun up lazily,
// on the first task submitted for each agent type.
func NewDispatcher(cfg Config, registry *agent.Registry, breakers *resilience.BreakerGroup, limiters *resilience.LimiterGroup, store domain.TaskStore, logger observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.MaxConcurrentPerAgent <= 0 {
		cfg.MaxConcurrentPerAgent = DefaultConfig().MaxConcurrentPerAgent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if logger == nil {
		logger = observability.NewStructuredLogger("dispatcher")
	}

	if metrics != nil && breakers != nil {
		breakers.OnTransition(func(key string, from, to resilience.BreakerState) {
			metrics.RecordBreakerTransition(context.Background(), key, string(from), string(to))
		})
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Dispatcher{
		cfg:        cfg,
		registry:   registry,
		breakers:   breakers,
		limiters:   limiters,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		tasks:      make(map[string]*taskEntry),
		queues:     make(map[string]chan *taskEntry),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Submit validates and accepts a task for execution. The returned
// handle resolves when the task reaches a terminal state. Submission
// is rejected with domain.ErrDuplicateTask when the id has been seen
// before, whether that task is still running or long finished.
func (d *Dispatcher) Submit(ctx context.Context, task *domain.Task) (*TaskHandle, error) {
	if task == nil || task.ID == "" {
		return nil, fmt.Errorf("%w: task id is required", domain.ErrInvalidTask)
	}
	if task.Operation == "" {
		return nil, fmt.Errorf("%w: operation is required", domain.ErrInvalidTask)
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	if task.Status != domain.TaskStatusPending {
		return nil, fmt.Errorf("%w: task %s is %s, expected pending", domain.ErrInvalidTask, task.ID, task.Status)
	}
	if _, err := d.registry.Resolve(task.AgentType); err != nil {
		return nil, err
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher is shut down")
	}
	if _, exists := d.tasks[task.ID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateTask, task.ID)
	}

	entry := &taskEntry{
		task:   task.Clone(),
		handle: newTaskHandle(task.ID),
		cancel: make(chan struct{}),
	}
	d.tasks[task.ID] = entry
	queue := d.queueLocked(task.AgentType)
	d.mu.Unlock()

	d.persist(ctx, entry.task)
	if d.metrics != nil {
		d.metrics.RecordTaskSubmitted(ctx, task.AgentType)
	}
	d.logger.Info(ctx, "Task accepted", map[string]interface{}{
		"task_id":    task.ID,
		"agent_type": task.AgentType,
		"operation":  task.Operation,
		"priority":   task.Priority.String(),
	})

	select {
	case queue <- entry:
		return entry.handle, nil
	default:
	}

	// Queue buffer is full; block until a slot frees or the caller
	// gives up. A cancelled pending task is still drained by a runner
	// and finalized there.
	select {
	case queue <- entry:
		return entry.handle, nil
	case <-ctx.Done():
		d.finalize(ctx, entry, domain.TaskStatusCancelled, nil, "submission abandoned: "+ctx.Err().Error())
		return nil, ctx.Err()
	case <-d.baseCtx.Done():
		d.finalize(ctx, entry, domain.TaskStatusCancelled, nil, "dispatcher shut down")
		return nil, fmt.Errorf("dispatcher is shut down")
	}
}

// GetTask returns a snapshot of an accepted task
func (d *Dispatcher) GetTask(id string) (*domain.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return entry.task.Clone(), nil
}

// Cancel requests cancellation of a task. Pending tasks are cancelled
// before execution starts; running tasks have their context cancelled
// and the agent call is abandoned. Cancelling a terminal task is a
// no-op.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	entry, exists := d.tasks[id]
	d.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}

	entry.cancelOnce.Do(func() {
		close(entry.cancel)
	})
	return nil
}

// Shutdown stops accepting tasks and waits for the runner pools to
// drain, or until ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.baseCancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queueLocked returns the queue for an agent type, starting its runner
// pool on first use. Caller must hold d.mu.
func (d *Dispatcher) queueLocked(agentType string) chan *taskEntry {
	queue, exists := d.queues[agentType]
	if exists {
		return queue
	}

	queue = make(chan *taskEntry, d.cfg.QueueSize)
	d.queues[agentType] = queue

	for i := 0; i < d.cfg.MaxConcurrentPerAgent; i++ {
		d.wg.Add(1)
		go d.runner(agentType, queue)
	}

	return queue
}

// runner drains one agent type's queue until shutdown
func (d *Dispatcher) runner(agentType string, queue chan *taskEntry) {
	defer d.wg.Done()

	for {
		select {
		case <-d.baseCtx.Done():
			return
		case entry := <-queue:
			d.execute(entry)
		}
	}
}

// execute runs one task through the resilience layer and finalizes it
func (d *Dispatcher) execute(entry *taskEntry) {
	d.mu.Lock()
	task := entry.task
	// A task cancelled while queued never starts.
	select {
	case <-entry.cancel:
		d.mu.Unlock()
		d.finalize(d.baseCtx, entry, domain.TaskStatusCancelled, nil, "cancelled before execution")
		return
	default:
	}
	if !task.Status.CanTransition(domain.TaskStatusRunning) {
		d.mu.Unlock()
		return
	}
	now := time.Now()
	task.Status = domain.TaskStatusRunning
	task.StartedAt = &now
	agentType := task.AgentType
	operation := task.Operation
	input := task.Input
	taskID := task.ID
	d.mu.Unlock()

	d.persist(d.baseCtx, task)
	if d.metrics != nil {
		d.metrics.RecordTaskStarted(d.baseCtx)
	}

	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.TaskTimeout)
	defer cancel()

	// Propagate Cancel() into the execution context.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-entry.cancel:
			cancel()
		case <-stop:
		}
	}()

	worker, err := d.registry.Resolve(agentType)
	if err != nil {
		d.finalize(ctx, entry, domain.TaskStatusFailed, nil, err.Error())
		return
	}

	// The resilience-wrapped call runs in its own goroutine so a worker
	// that ignores ctx cannot hold the task past its deadline. The task
	// is finalized the moment the deadline fires; a late result is
	// discarded by finalize's terminal-once guard.
	type callResult struct {
		output map[string]interface{}
		err    error
	}
	results := make(chan callResult, 1)
	go func() {
		var output map[string]interface{}
		err := observability.InstrumentTaskExecution(ctx, taskID, agentType, operation, func(ctx context.Context) error {
			limiterStart := time.Now()
			if err := d.limiters.Acquire(ctx, agentType); err != nil {
				return err
			}
			if d.metrics != nil {
				d.metrics.RecordLimiterWait(ctx, agentType, time.Since(limiterStart))
			}
			return d.breakers.Get(agentType).Call(ctx, func(callCtx context.Context) error {
				out, execErr := worker.Execute(callCtx, operation, input)
				if execErr != nil {
					return execErr
				}
				output = out
				return nil
			})
		})
		results <- callResult{output: output, err: err}
	}()

	select {
	case res := <-results:
		switch {
		case res.err == nil:
			d.finalize(ctx, entry, domain.TaskStatusCompleted, res.output, "")
		case wasCancelled(entry):
			d.finalize(ctx, entry, domain.TaskStatusCancelled, nil, "cancelled during execution")
		case errors.Is(res.err, context.DeadlineExceeded):
			d.finalize(ctx, entry, domain.TaskStatusFailed, nil, fmt.Sprintf("%s after %s", domain.ErrTaskTimeout, d.cfg.TaskTimeout))
		default:
			d.logger.Error(ctx, "Task execution failed", res.err, map[string]interface{}{
				"task_id":    taskID,
				"agent_type": agentType,
			})
			d.finalize(ctx, entry, domain.TaskStatusFailed, nil, res.err.Error())
		}
	case <-ctx.Done():
		switch {
		case wasCancelled(entry):
			d.finalize(ctx, entry, domain.TaskStatusCancelled, nil, "cancelled during execution")
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			d.finalize(ctx, entry, domain.TaskStatusFailed, nil, fmt.Sprintf("%s after %s", domain.ErrTaskTimeout, d.cfg.TaskTimeout))
		default:
			d.finalize(ctx, entry, domain.TaskStatusCancelled, nil, "dispatcher shut down")
		}
	}
}

func wasCancelled(entry *taskEntry) bool {
	select {
	case <-entry.cancel:
		return true
	default:
		return false
	}
}

// finalize moves a task to a terminal state exactly once and resolves
// its handle.
func (d *Dispatcher) finalize(ctx context.Context, entry *taskEntry, status domain.TaskStatus, output map[string]interface{}, errMsg string) {
	d.mu.Lock()
	task := entry.task
	if task.Status.Terminal() {
		d.mu.Unlock()
		return
	}
	wasRunning := task.Status == domain.TaskStatusRunning
	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.Output = output
	task.ErrorMessage = errMsg
	snapshot := task.Clone()
	d.mu.Unlock()

	d.persist(ctx, snapshot)
	if d.metrics != nil {
		duration := time.Duration(0)
		if snapshot.StartedAt != nil {
			duration = now.Sub(*snapshot.StartedAt)
		}
		if !wasRunning {
			// Cancelled while still queued; undo the queued gauge.
			d.metrics.RecordTaskStarted(ctx)
		}
		d.metrics.RecordTaskFinished(ctx, snapshot.AgentType, string(status), duration)
	}

	d.logger.Info(ctx, "Task finished", map[string]interface{}{
		"task_id": snapshot.ID,
		"status":  string(status),
	})

	entry.handle.resolve(snapshot)
}

// persist saves a task snapshot; store failures are logged, never
// propagated into task state.
func (d *Dispatcher) persist(ctx context.Context, task *domain.Task) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveTask(ctx, task.Clone()); err != nil {
		d.logger.Warn(ctx, "Failed to persist task", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}
