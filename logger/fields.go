package logger

import (
	"context"

	"go.uber.org/zap"
)

// Field names shared by every structured log line
const (
	FieldTaskID      = "task_id"
	FieldScheduleID  = "schedule_id"
	FieldTestCaseID  = "test_case_id"
	FieldDependsOnID = "depends_on_id"
	FieldEdgeID      = "edge_id"
	FieldEnvironment = "environment"
	FieldComponent   = "component"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextRunAt  = "next_run_at"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount      = "count"
	FieldTotalCount = "total_count"
	FieldWorkers    = "workers"

	// Status
	FieldStatus = "status"
	FieldResult = "result"

	FieldSymbol = "symbol" // subsystem glyph (꩜, ✿, ❀, ⋈, ...)
)

// Context keys for propagating logging context
type contextKey string

const (
	taskIDKey    contextKey = "logger_task_id"
	componentKey contextKey = "logger_component"
)

// WithTaskID adds a task ID to the context for logging
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext returns the key-value pairs stored by WithTaskID and WithComponent
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if taskID, ok := ctx.Value(taskIDKey).(string); ok && taskID != "" {
		fields = append(fields, FieldTaskID, taskID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns l with fields extracted from context.
func LoggerFromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns the global logger named for a component,
// e.g. ComponentLogger("am.watcher").
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
