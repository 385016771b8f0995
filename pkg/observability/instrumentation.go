package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer resolves against the globally registered provider, so spans
// become real recordings once NewTelemetry has run and stay no-ops in
// tests that never start telemetry.
var tracer = otel.Tracer("research-orchestrator/orchestration")

// InstrumentTaskExecution wraps one task execution with a span
func InstrumentTaskExecution(ctx context.Context, taskID, agentType, operation string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("task.execute.%s", agentType),
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.agent_type", agentType),
			attribute.String("task.operation", operation),
		),
	)
	defer span.End()

	startTime := time.Now()
	err := fn(ctx)
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(
		attribute.Float64("duration.seconds", duration.Seconds()),
	)

	return err
}

// InstrumentWorkflowStep wraps the dispatch-and-wait of one workflow step
func InstrumentWorkflowStep(ctx context.Context, runID, stepName string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("workflow.step.%s", stepName),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("step.name", stepName),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// InstrumentResearchIteration wraps one pass of a research session
func InstrumentResearchIteration(ctx context.Context, sessionID string, iteration int, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "research.iteration",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("iteration", iteration),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}
