package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all orchestration metrics
type Metrics struct {
	meter metric.Meter

	// Counters
	tasksSubmittedTotal     metric.Int64Counter
	tasksCompletedTotal     metric.Int64Counter
	tasksFailedTotal        metric.Int64Counter
	tasksCancelledTotal     metric.Int64Counter
	workflowRunsTotal       metric.Int64Counter
	researchIterationsTotal metric.Int64Counter
	breakerTransitionsTotal metric.Int64Counter
	limiterWaitsTotal       metric.Int64Counter

	// Histograms
	taskDuration        metric.Float64Histogram
	workflowRunDuration metric.Float64Histogram
	researchConfidence  metric.Float64Histogram

	// Gauges (async instruments backed by atomic counters)
	queuedTasks    metric.Int64ObservableGauge
	runningTasks   metric.Int64ObservableGauge
	activeSessions metric.Int64ObservableGauge

	queuedTaskCount    atomic.Int64
	runningTaskCount   atomic.Int64
	activeSessionCount atomic.Int64
}

// NewMetrics creates and initializes all metrics
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		meter: meter,
	}

	var err error

	m.tasksSubmittedTotal, err = meter.Int64Counter(
		"tasks_submitted_total",
		metric.WithDescription("Total number of tasks accepted by the dispatcher"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.tasksCompletedTotal, err = meter.Int64Counter(
		"tasks_completed_total",
		metric.WithDescription("Total number of tasks completed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.tasksFailedTotal, err = meter.Int64Counter(
		"tasks_failed_total",
		metric.WithDescription("Total number of tasks failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.tasksCancelledTotal, err = meter.Int64Counter(
		"tasks_cancelled_total",
		metric.WithDescription("Total number of tasks cancelled"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.workflowRunsTotal, err = meter.Int64Counter(
		"workflow_runs_total",
		metric.WithDescription("Total number of workflow runs started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.researchIterationsTotal, err = meter.Int64Counter(
		"research_iterations_total",
		metric.WithDescription("Total number of research iterations executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerTransitionsTotal, err = meter.Int64Counter(
		"circuit_breaker_transitions_total",
		metric.WithDescription("Total number of circuit breaker state transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.limiterWaitsTotal, err = meter.Int64Counter(
		"rate_limiter_waits_total",
		metric.WithDescription("Total number of rate limiter acquisitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.taskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Duration of task execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.workflowRunDuration, err = meter.Float64Histogram(
		"workflow_run_duration_seconds",
		metric.WithDescription("Duration of workflow runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.researchConfidence, err = meter.Float64Histogram(
		"research_session_confidence",
		metric.WithDescription("Final weighted confidence of research sessions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.queuedTasks, err = meter.Int64ObservableGauge(
		"queued_tasks",
		metric.WithDescription("Number of tasks waiting in agent queues"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.queuedTaskCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	m.runningTasks, err = meter.Int64ObservableGauge(
		"running_tasks",
		metric.WithDescription("Number of tasks currently executing"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.runningTaskCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	m.activeSessions, err = meter.Int64ObservableGauge(
		"active_research_sessions",
		metric.WithDescription("Number of research sessions currently exploring"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeSessionCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTaskSubmitted records acceptance of a task for an agent type
func (m *Metrics) RecordTaskSubmitted(ctx context.Context, agentType string) {
	m.tasksSubmittedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent_type", agentType),
		),
	)
	m.queuedTaskCount.Add(1)
}

// RecordTaskStarted records the start of task execution
func (m *Metrics) RecordTaskStarted(ctx context.Context) {
	m.queuedTaskCount.Add(-1)
	m.runningTaskCount.Add(1)
}

// RecordTaskFinished records a task reaching a terminal state
func (m *Metrics) RecordTaskFinished(ctx context.Context, agentType, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("agent_type", agentType),
		attribute.String("status", status),
	)

	switch status {
	case "completed":
		m.tasksCompletedTotal.Add(ctx, 1, attrs)
	case "cancelled":
		m.tasksCancelledTotal.Add(ctx, 1, attrs)
	default:
		m.tasksFailedTotal.Add(ctx, 1, attrs)
	}

	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
	m.runningTaskCount.Add(-1)
}

// RecordWorkflowRun records the completion of a workflow run
func (m *Metrics) RecordWorkflowRun(ctx context.Context, workflowID, status string, duration time.Duration) {
	m.workflowRunsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("workflow_id", workflowID),
			attribute.String("status", status),
		),
	)
	m.workflowRunDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordResearchIteration records one pass of a research session
func (m *Metrics) RecordResearchIteration(ctx context.Context) {
	m.researchIterationsTotal.Add(ctx, 1)
}

// RecordSessionStarted records the start of a research session
func (m *Metrics) RecordSessionStarted(ctx context.Context) {
	m.activeSessionCount.Add(1)
}

// RecordSessionFinished records a research session reaching a terminal state
func (m *Metrics) RecordSessionFinished(ctx context.Context, state string, confidence float64) {
	m.researchConfidence.Record(ctx, confidence,
		metric.WithAttributes(
			attribute.String("state", state),
		),
	)
	m.activeSessionCount.Add(-1)
}

// RecordBreakerTransition records a circuit breaker state change
func (m *Metrics) RecordBreakerTransition(ctx context.Context, key, from, to string) {
	m.breakerTransitionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("upstream", key),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordLimiterWait records a rate limiter acquisition and its wait time
func (m *Metrics) RecordLimiterWait(ctx context.Context, key string, waited time.Duration) {
	m.limiterWaitsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("upstream", key),
			attribute.Bool("blocked", waited > 0),
		),
	)
}
