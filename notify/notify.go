// Package notify delivers execution outcomes to interested parties.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
)

// ResultEvent reports one finished test case execution.
type ResultEvent struct {
	TaskID      string        `json:"task_id"`
	TestCaseID  int64         `json:"test_case_id"`
	Environment string        `json:"environment,omitempty"`
	Result      string        `json:"result"`
	Duration    time.Duration `json:"duration"`
	Message     string        `json:"message,omitempty"`
	ScheduleID  string        `json:"schedule_id,omitempty"`
}

// BatchEvent reports a finished batch.
type BatchEvent struct {
	TaskID      string `json:"task_id"`
	Environment string `json:"environment,omitempty"`
	Total       int    `json:"total"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Revoked     int    `json:"revoked"`
}

// Notifier receives execution events. Implementations must not block for long;
// delivery failures are returned but never change the recorded outcome.
type Notifier interface {
	NotifyResult(ctx context.Context, ev ResultEvent) error
	NotifyBatch(ctx context.Context, ev BatchEvent) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) NotifyResult(context.Context, ResultEvent) error { return nil }
func (Noop) NotifyBatch(context.Context, BatchEvent) error   { return nil }

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a notifier logging at info level.
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogNotifier{logger: logger.AddPulseCloseSymbol(log.Named("notify"))}
}

// NotifyResult implements Notifier.
func (n *LogNotifier) NotifyResult(_ context.Context, ev ResultEvent) error {
	fields := []interface{}{
		logger.FieldTaskID, ev.TaskID,
		logger.FieldTestCaseID, ev.TestCaseID,
		logger.FieldEnvironment, ev.Environment,
		logger.FieldResult, ev.Result,
		logger.FieldDurationMS, ev.Duration.Milliseconds(),
	}
	if ev.ScheduleID != "" {
		fields = append(fields, logger.FieldScheduleID, ev.ScheduleID)
	}
	if ev.Message != "" {
		fields = append(fields, logger.FieldError, ev.Message)
	}
	n.logger.Infow("Test case finished", fields...)
	return nil
}

// NotifyBatch implements Notifier.
func (n *LogNotifier) NotifyBatch(_ context.Context, ev BatchEvent) error {
	n.logger.Infow("Batch finished",
		logger.FieldTaskID, ev.TaskID,
		logger.FieldEnvironment, ev.Environment,
		logger.FieldTotalCount, ev.Total,
		"passed", ev.Passed,
		"failed", ev.Failed,
		"skipped", ev.Skipped,
		"revoked", ev.Revoked)
	return nil
}

// Multi fans events out to every notifier, attempting all of them.
type Multi []Notifier

// NotifyResult implements Notifier.
func (m Multi) NotifyResult(ctx context.Context, ev ResultEvent) error {
	var combined error
	for _, n := range m {
		combined = combine(combined, n.NotifyResult(ctx, ev))
	}
	return combined
}

// NotifyBatch implements Notifier.
func (m Multi) NotifyBatch(ctx context.Context, ev BatchEvent) error {
	var combined error
	for _, n := range m {
		combined = combine(combined, n.NotifyBatch(ctx, ev))
	}
	return combined
}

func combine(first, next error) error {
	if next == nil {
		return first
	}
	if first == nil {
		return errors.Wrap(next, "notification failed")
	}
	return errors.WithSecondaryError(first, next)
}
