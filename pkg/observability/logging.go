package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/equitylens/research-orchestrator/pkg/domain"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

var logLevelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

// logOutput is the destination for log entries. It's a variable to allow redirection in tests.
var logOutput io.Writer = os.Stdout

// SetLogOutput sets the output destination for the structured logger.
func SetLogOutput(w io.Writer) {
	logOutput = w
}

// StructuredLogger provides structured logging with trace correlation
type StructuredLogger struct {
	output    io.Writer
	component string
	minLevel  LogLevel
}

// NewStructuredLogger creates a new structured logger. The minimum
// severity comes from LOG_LEVEL; unset or unknown values keep debug
// output on.
func NewStructuredLogger(component string) *StructuredLogger {
	return &StructuredLogger{
		output:    logOutput,
		component: component,
		minLevel:  levelFromEnv(),
	}
}

func levelFromEnv() LogLevel {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "INFO":
		return LogLevelInfo
	case "WARN":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	default:
		return LogLevelDebug
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Severity   LogLevel               `json:"severity"`
	Component  string                 `json:"component"`
	Message    string                 `json:"message"`
	TraceID    string                 `json:"trace_id,omitempty"`
	SpanID     string                 `json:"span_id,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// extractTraceInfo extracts trace and span IDs from context
func extractTraceInfo(ctx context.Context) (traceID, spanID string) {
	span := trace.SpanFromContext(ctx)
	if span != nil {
		spanCtx := span.SpanContext()
		if spanCtx.IsValid() {
			traceID = spanCtx.TraceID().String()
			spanID = spanCtx.SpanID().String()
		}
	}
	return traceID, spanID
}

// errorKind maps the orchestration sentinels onto a stable value so
// log consumers can filter by failure class without parsing messages.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, domain.ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return "task_timeout"
	case errors.Is(err, domain.ErrInvalidTask):
		return "invalid_task"
	case errors.Is(err, domain.ErrDuplicateTask):
		return "duplicate_task"
	case errors.Is(err, domain.ErrUnknownAgentType), errors.Is(err, domain.ErrDuplicateAgentType):
		return "agent_registry"
	case errors.Is(err, domain.ErrCyclicWorkflow), errors.Is(err, domain.ErrUnknownDependency):
		return "invalid_workflow"
	case errors.Is(err, domain.ErrSessionLimit):
		return "session_limit"
	default:
		return "worker_error"
	}
}

// log writes a structured log entry
func (l *StructuredLogger) log(ctx context.Context, level LogLevel, message, kind string, attrs map[string]interface{}) {
	if logLevelRank[level] < logLevelRank[l.minLevel] {
		return
	}

	traceID, spanID := extractTraceInfo(ctx)

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Severity:   level,
		Component:  l.component,
		Message:    message,
		TraceID:    traceID,
		SpanID:     spanID,
		ErrorKind:  kind,
		Attributes: attrs,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback to simple logging if marshaling fails
		fmt.Fprintf(l.output, "[%s] %s: %s\n", level, l.component, message)
		return
	}

	fmt.Fprintln(l.output, string(data))
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(ctx context.Context, message string, attrs ...map[string]interface{}) {
	var attributes map[string]interface{}
	if len(attrs) > 0 {
		attributes = attrs[0]
	}
	l.log(ctx, LogLevelDebug, message, "", attributes)
}

// Info logs an info message
func (l *StructuredLogger) Info(ctx context.Context, message string, attrs ...map[string]interface{}) {
	var attributes map[string]interface{}
	if len(attrs) > 0 {
		attributes = attrs[0]
	}
	l.log(ctx, LogLevelInfo, message, "", attributes)
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(ctx context.Context, message string, attrs ...map[string]interface{}) {
	var attributes map[string]interface{}
	if len(attrs) > 0 {
		attributes = attrs[0]
	}
	l.log(ctx, LogLevelWarn, message, "", attributes)
}

// Error logs an error message with its failure class
func (l *StructuredLogger) Error(ctx context.Context, message string, err error, attrs ...map[string]interface{}) {
	var attributes map[string]interface{}
	if len(attrs) > 0 {
		attributes = attrs[0]
	} else {
		attributes = make(map[string]interface{})
	}

	kind := ""
	if err != nil {
		attributes["error"] = err.Error()
		kind = errorKind(err)
	}

	l.log(ctx, LogLevelError, message, kind, attributes)
}

// WithComponent creates a new logger with a different component name
func (l *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		output:    l.output,
		component: component,
		minLevel:  l.minLevel,
	}
}

// Logger interface for dependency injection
type Logger interface {
	Debug(ctx context.Context, message string, attrs ...map[string]interface{})
	Info(ctx context.Context, message string, attrs ...map[string]interface{})
	Warn(ctx context.Context, message string, attrs ...map[string]interface{})
	Error(ctx context.Context, message string, err error, attrs ...map[string]interface{})
}
