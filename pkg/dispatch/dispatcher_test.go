package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/equitylens/research-orchestrator/internal/testutil"
	"github.com/equitylens/research-orchestrator/pkg/agent"
	"github.com/equitylens/research-orchestrator/pkg/domain"
	"github.com/equitylens/research-orchestrator/pkg/resilience"
	"github.com/equitylens/research-orchestrator/pkg/state"
)

func newTestDispatcher(t *testing.T, cfg Config, workers map[string]domain.Worker) (*Dispatcher, *state.MemoryStore) {
	t.Helper()

	registry := agent.NewRegistry()
	for agentType, worker := range workers {
		if err := registry.Register(agentType, worker); err != nil {
			t.Fatalf("failed to register %s: %v", agentType, err)
		}
	}

	breakers := resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold: 100,
		RecoveryTimeout:  time.Minute,
		HalfOpenTrials:   1,
	})
	limiters := resilience.NewLimiterGroup(resilience.LimiterConfig{
		Capacity:        1000,
		RefillPerSecond: 10000,
	})
	store := state.NewMemoryStore()

	d := NewDispatcher(cfg, registry, breakers, limiters, store, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return d, store
}

func TestDispatcherExecutesTask(t *testing.T) {
	worker := testutil.NewMockWorker()
	worker.Responses["business_model_analysis"] = map[string]interface{}{"verdict": "durable"}

	d, store := newTestDispatcher(t, DefaultConfig(), map[string]domain.Worker{
		"due_diligence": worker,
	})
	ctx := testutil.NewTestContext(t)

	task := testutil.NewTestTask("t1", "due_diligence")
	task.Operation = "business_model_analysis"

	handle, err := d.Submit(ctx, task)
	testutil.AssertNoError(t, err, "Submit")

	final, err := handle.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait")
	testutil.AssertEqual(t, domain.TaskStatusCompleted, final.Status, "final status")
	testutil.AssertEqual(t, "durable", final.Output["verdict"], "output")
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Errorf("timestamps not set on terminal task")
	}

	// The terminal snapshot is persisted.
	stored, err := store.LoadTask(ctx, "t1")
	testutil.AssertNoError(t, err, "LoadTask")
	testutil.AssertEqual(t, domain.TaskStatusCompleted, stored.Status, "stored status")
}

func TestDispatcherRejectsDuplicateIDs(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), map[string]domain.Worker{
		"due_diligence": testutil.NewMockWorker(),
	})
	ctx := testutil.NewTestContext(t)

	handle, err := d.Submit(ctx, testutil.NewTestTask("t1", "due_diligence"))
	testutil.AssertNoError(t, err, "first Submit")

	// Duplicate while in flight.
	_, err = d.Submit(ctx, testutil.NewTestTask("t1", "due_diligence"))
	if !errors.Is(err, domain.ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask while running, got %v", err)
	}

	// Duplicate after the first run finished.
	_, err = handle.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait")
	_, err = d.Submit(ctx, testutil.NewTestTask("t1", "due_diligence"))
	if !errors.Is(err, domain.ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask after completion, got %v", err)
	}
}

func TestDispatcherRejectsInvalidSubmissions(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), map[string]domain.Worker{
		"due_diligence": testutil.NewMockWorker(),
	})
	ctx := testutil.NewTestContext(t)

	if _, err := d.Submit(ctx, nil); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("nil task: expected ErrInvalidTask, got %v", err)
	}

	task := testutil.NewTestTask("", "due_diligence")
	if _, err := d.Submit(ctx, task); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("empty id: expected ErrInvalidTask, got %v", err)
	}

	task = testutil.NewTestTask("t1", "due_diligence")
	task.Operation = ""
	if _, err := d.Submit(ctx, task); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("empty operation: expected ErrInvalidTask, got %v", err)
	}

	task = testutil.NewTestTask("t2", "due_diligence")
	task.Status = domain.TaskStatusRunning
	if _, err := d.Submit(ctx, task); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("non-pending status: expected ErrInvalidTask, got %v", err)
	}

	if _, err := d.Submit(ctx, testutil.NewTestTask("t3", "nonexistent")); !errors.Is(err, domain.ErrUnknownAgentType) {
		t.Errorf("unknown agent: expected ErrUnknownAgentType, got %v", err)
	}
}

func TestDispatcherFailsTaskOnWorkerError(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), map[string]domain.Worker{
		"risk_analysis": testutil.FailingWorker("model unavailable"),
	})
	ctx := testutil.NewTestContext(t)

	handle, err := d.Submit(ctx, testutil.NewTestTask("t1", "risk_analysis"))
	testutil.AssertNoError(t, err, "Submit")

	final, err := handle.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait")
	testutil.AssertEqual(t, domain.TaskStatusFailed, final.Status, "final status")
	if !strings.Contains(final.ErrorMessage, "model unavailable") {
		t.Errorf("error message %q does not carry worker error", final.ErrorMessage)
	}
}

func TestDispatcherTimesOutSlowTasks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskTimeout = 30 * time.Millisecond

	d, _ := newTestDispatcher(t, cfg, map[string]domain.Worker{
		"due_diligence": testutil.SlowWorker(time.Second),
	})
	ctx := testutil.NewTestContext(t)

	handle, err := d.Submit(ctx, testutil.NewTestTask("t1", "due_diligence"))
	testutil.AssertNoError(t, err, "Submit")

	final, err := handle.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait")
	testutil.AssertEqual(t, domain.TaskStatusFailed, final.Status, "final status")
	if !strings.Contains(final.ErrorMessage, "timed out") {
		t.Errorf("error message %q does not mention the timeout", final.ErrorMessage)
	}
}

func TestDispatcherReleasesTaskAtDeadlineDespiteStuckWorker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskTimeout = 50 * time.Millisecond

	worker := testutil.NewMockWorker()
	worker.ExecuteFunc = func(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
		// Never looks at ctx and answers long after the deadline.
		time.Sleep(300 * time.Millisecond)
		return map[string]interface{}{"late": "result"}, nil
	}

	d, _ := newTestDispatcher(t, cfg, map[string]domain.Worker{
		"due_diligence": worker,
	})
	ctx := testutil.NewTestContext(t)

	start := time.Now()
	handle, err := d.Submit(ctx, testutil.NewTestTask("t1", "due_diligence"))
	testutil.AssertNoError(t, err, "Submit")

	final, err := handle.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait")

	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("handle resolved after %s, expected release at the deadline", elapsed)
	}
	testutil.AssertEqual(t, domain.TaskStatusFailed, final.Status, "final status")
	if !strings.Contains(final.ErrorMessage, "timed out") {
		t.Errorf("error message %q does not mention the timeout", final.ErrorMessage)
	}
	if final.Output != nil {
		t.Errorf("timed-out task carries output %v", final.Output)
	}

	// The worker's answer arrives after the task is already terminal
	// and must not overwrite the timeout.
	time.Sleep(350 * time.Millisecond)
	task, err := d.GetTask("t1")
	testutil.AssertNoError(t, err, "GetTask")
	testutil.AssertEqual(t, domain.TaskStatusFailed, task.Status, "status after late return")
	if task.Output != nil {
		t.Errorf("late worker result overwrote the timeout: %v", task.Output)
	}
}

func TestDispatcherCancelRunningTask(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), map[string]domain.Worker{
		"due_diligence": testutil.SlowWorker(time.Minute),
	})
	ctx := testutil.NewTestContext(t)

	handle, err := d.Submit(ctx, testutil.NewTestTask("t1", "due_diligence"))
	testutil.AssertNoError(t, err, "Submit")

	testutil.Eventually(t, time.Second, func() bool {
		task, err := d.GetTask("t1")
		return err == nil && task.Status == domain.TaskStatusRunning
	}, "task did not start")

	testutil.AssertNoError(t, d.Cancel("t1"), "Cancel")

	final, err := handle.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait")
	testutil.AssertEqual(t, domain.TaskStatusCancelled, final.Status, "final status")
}

func TestDispatcherCancelQueuedTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerAgent = 1

	worker := testutil.SlowWorker(time.Minute)
	d, _ := newTestDispatcher(t, cfg, map[string]domain.Worker{
		"due_diligence": worker,
	})
	ctx := testutil.NewTestContext(t)

	// Occupy the single runner, then queue a second task behind it.
	blocker, err := d.Submit(ctx, testutil.NewTestTask("t1", "due_diligence"))
	testutil.AssertNoError(t, err, "Submit blocker")
	queued, err := d.Submit(ctx, testutil.NewTestTask("t2", "due_diligence"))
	testutil.AssertNoError(t, err, "Submit queued")

	testutil.Eventually(t, time.Second, func() bool {
		task, err := d.GetTask("t1")
		return err == nil && task.Status == domain.TaskStatusRunning
	}, "blocker did not start")

	testutil.AssertNoError(t, d.Cancel("t2"), "Cancel queued")
	testutil.AssertNoError(t, d.Cancel("t1"), "Cancel blocker")

	final, err := queued.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait queued")
	testutil.AssertEqual(t, domain.TaskStatusCancelled, final.Status, "queued final status")

	finalBlocker, err := blocker.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait blocker")
	testutil.AssertEqual(t, domain.TaskStatusCancelled, finalBlocker.Status, "blocker final status")

	// The queued task never reached the worker.
	if worker.Calls() > 1 {
		t.Errorf("cancelled queued task was executed")
	}
}

func TestDispatcherCancelUnknownTask(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), map[string]domain.Worker{
		"due_diligence": testutil.NewMockWorker(),
	})

	if err := d.Cancel("missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDispatcherBoundsConcurrencyPerAgentType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerAgent = 2

	var running, peak atomic.Int64
	var mu sync.Mutex
	worker := testutil.NewMockWorker()
	worker.ExecuteFunc = func(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
		n := running.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		defer running.Add(-1)

		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]interface{}{}, nil
	}

	d, _ := newTestDispatcher(t, cfg, map[string]domain.Worker{
		"due_diligence": worker,
	})
	ctx := testutil.NewTestContext(t)

	handles := make([]*TaskHandle, 0, 6)
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		handle, err := d.Submit(ctx, testutil.NewTestTask(id, "due_diligence"))
		testutil.AssertNoError(t, err, "Submit "+id)
		handles = append(handles, handle)
	}

	for _, handle := range handles {
		final, err := handle.Wait(ctx)
		testutil.AssertNoError(t, err, "Wait "+handle.TaskID())
		testutil.AssertEqual(t, domain.TaskStatusCompleted, final.Status, "final status "+handle.TaskID())
	}

	if peak.Load() > int64(cfg.MaxConcurrentPerAgent) {
		t.Errorf("peak concurrency %d exceeded the bound %d", peak.Load(), cfg.MaxConcurrentPerAgent)
	}
}

func TestDispatcherIsolatesAgentTypeQueues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerAgent = 1

	fast := testutil.NewMockWorker()
	d, _ := newTestDispatcher(t, cfg, map[string]domain.Worker{
		"due_diligence":      testutil.SlowWorker(time.Minute),
		"sentiment_analysis": fast,
	})
	ctx := testutil.NewTestContext(t)

	// Saturate the due_diligence pool.
	_, err := d.Submit(ctx, testutil.NewTestTask("slow-1", "due_diligence"))
	testutil.AssertNoError(t, err, "Submit slow")

	handle, err := d.Submit(ctx, testutil.NewTestTask("fast-1", "sentiment_analysis"))
	testutil.AssertNoError(t, err, "Submit fast")

	final, err := handle.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait fast")
	testutil.AssertEqual(t, domain.TaskStatusCompleted, final.Status, "fast task status")
}

func TestDispatcherTripsBreakerAfterRepeatedFailures(t *testing.T) {
	registry := agent.NewRegistry()
	testutil.AssertNoError(t, registry.Register("risk_analysis", testutil.FailingWorker("boom")), "Register")

	breakers := resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		HalfOpenTrials:   1,
	})
	limiters := resilience.NewLimiterGroup(resilience.LimiterConfig{Capacity: 1000, RefillPerSecond: 10000})
	store := state.NewMemoryStore()

	d := NewDispatcher(DefaultConfig(), registry, breakers, limiters, store, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	ctx := testutil.NewTestContext(t)

	for _, id := range []string{"t1", "t2"} {
		handle, err := d.Submit(ctx, testutil.NewTestTask(id, "risk_analysis"))
		testutil.AssertNoError(t, err, "Submit "+id)
		final, err := handle.Wait(ctx)
		testutil.AssertNoError(t, err, "Wait "+id)
		testutil.AssertEqual(t, domain.TaskStatusFailed, final.Status, "status "+id)
	}

	// The circuit is now open; the next task fails fast.
	handle, err := d.Submit(ctx, testutil.NewTestTask("t3", "risk_analysis"))
	testutil.AssertNoError(t, err, "Submit t3")
	final, err := handle.Wait(ctx)
	testutil.AssertNoError(t, err, "Wait t3")
	testutil.AssertEqual(t, domain.TaskStatusFailed, final.Status, "status t3")
	if !strings.Contains(final.ErrorMessage, "circuit breaker open") {
		t.Errorf("error message %q does not mention the open circuit", final.ErrorMessage)
	}
	testutil.AssertEqual(t, resilience.BreakerOpen, breakers.Get("risk_analysis").State(), "breaker state")
}

func TestDispatcherGetTaskUnknown(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultConfig(), map[string]domain.Worker{
		"due_diligence": testutil.NewMockWorker(),
	})

	if _, err := d.GetTask("missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
