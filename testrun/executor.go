// Package testrun connects dependency-aware planning, script runners and
// the async dispatcher into test case executions.
package testrun

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/am"
	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/notify"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/pulse/metrics"
	"github.com/teranos/testpulse/results"
	"github.com/teranos/testpulse/runner"
)

// Executor runs one test case for a dispatcher task: resolve the script,
// append a running placeholder, run it under the wall-clock limit, then
// finalize the result and notify.
type Executor struct {
	resolver runner.Resolver
	runners  *runner.Registry
	results  *results.Store
	notifier notify.Notifier
	logger   *zap.SugaredLogger
}

var _ async.Executor = (*Executor)(nil)

// NewExecutor creates an executor. A nil notifier sends nothing.
func NewExecutor(resolver runner.Resolver, runners *runner.Registry, store *results.Store, notifier notify.Notifier, log *zap.SugaredLogger) *Executor {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Executor{
		resolver: resolver,
		runners:  runners,
		results:  store,
		notifier: notifier,
		logger:   log.Named("executor"),
	}
}

// Execute implements async.Executor. A failing test returns a Fail outcome
// and a nil error; a timeout returns a Fail outcome and an error wrapping
// errors.ErrTimeout. A run interrupted by cancelling ctx is recorded as a
// cancelled result and sends no notification.
func (e *Executor) Execute(ctx context.Context, exec *async.Execution) (*async.ExecutionOutcome, error) {
	log := logger.LoggerFromContext(ctx, e.logger).With(logger.FieldTestCaseID, exec.TestCaseID)

	script, err := e.resolver.Resolve(ctx, exec.TestCaseID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve script for test case %d", exec.TestCaseID)
	}
	r := e.runners.Get(script.Kind)
	if r == nil {
		return nil, errors.WithHintf(
			errors.NewValidationError("no runner for kind %q of test case %d", script.Kind, exec.TestCaseID),
			"registered kinds: %v", e.runners.Kinds())
	}

	timeout := effectiveTimeout(exec, script)
	started := time.Now()

	placeholder, err := e.results.StartRunning(ctx, exec.TestCaseID, exec.TaskID, exec.Environment, started)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	out, runErr := r.Run(runCtx, script, runner.Invocation{
		TaskID:      exec.TaskID,
		Environment: exec.Environment,
		Params:      exec.Params,
		KillGrace:   exec.KillGrace,
	})
	cancel()

	outcome := classify(out, runErr, timeout)
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(started)
	}
	outcome.ResultID = placeholder.ID

	// The placeholder is finalized even when the task was cancelled
	storeCtx := context.WithoutCancel(ctx)
	if interrupted(ctx, runErr) {
		if err := e.results.FinalizeCancelled(storeCtx, placeholder.ID, outcome.Duration, outcome.Message); err != nil {
			return outcome, errors.WithSecondaryError(err, runErr)
		}
		log.Infow("Test case execution cancelled", logger.FieldDurationMS, outcome.Duration.Milliseconds())
		return outcome, errors.Wrapf(runErr, "test case %d", exec.TestCaseID)
	}
	if err := e.results.Finalize(storeCtx, placeholder.ID, outcome.Result, outcome.Duration, outcome.Message); err != nil {
		return outcome, errors.WithSecondaryError(err, runErr)
	}
	metrics.ExecutionFinished(string(outcome.Result), outcome.Duration)

	ev := notify.ResultEvent{
		TaskID:      exec.TaskID,
		TestCaseID:  exec.TestCaseID,
		Environment: exec.Environment,
		Result:      string(outcome.Result),
		Duration:    outcome.Duration,
		Message:     outcome.Message,
	}
	if id, ok := exec.Params[ScheduleParam].(string); ok {
		ev.ScheduleID = id
	}
	if err := e.notifier.NotifyResult(storeCtx, ev); err != nil {
		log.Warnw("Result notification failed", logger.FieldError, err)
	}

	log.Infow("Test case executed",
		logger.FieldResult, outcome.Result,
		logger.FieldDurationMS, outcome.Duration.Milliseconds(),
		"timeout", timeout)

	if runErr != nil {
		return outcome, errors.Wrapf(runErr, "test case %d", exec.TestCaseID)
	}
	return outcome, nil
}

// Abandon finalizes the placeholders of a task whose worker was lost
func (e *Executor) Abandon(ctx context.Context, taskID string, cause error) error {
	msg := "worker lost"
	if cause != nil {
		msg = cause.Error()
	}
	n, err := e.results.FinalizeTask(ctx, taskID, results.Error, msg)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Warnw("Finalized abandoned results", logger.FieldTaskID, taskID, logger.FieldCount, n)
	}
	return nil
}

// interrupted reports whether the run stopped because ctx was cancelled
// rather than because the script finished or hit its time limit.
func interrupted(ctx context.Context, runErr error) bool {
	return runErr != nil && errors.Is(runErr, context.Canceled) && ctx.Err() != nil
}

// effectiveTimeout picks the request limit, then the script's own, then the pool default
func effectiveTimeout(exec *async.Execution, script *runner.Script) time.Duration {
	switch {
	case exec.Timeout > 0:
		return exec.Timeout
	case script.Timeout() > 0:
		return script.Timeout()
	case exec.DefaultTimeout > 0:
		return exec.DefaultTimeout
	}
	return am.DefaultTimeoutSeconds * time.Second
}

// classify maps a runner result onto the recorded outcome
func classify(out *runner.Outcome, runErr error, timeout time.Duration) *async.ExecutionOutcome {
	o := &async.ExecutionOutcome{}
	if out != nil {
		o.Result = out.Result
		o.Duration = out.Duration
		o.Message = out.Message
	}

	switch {
	case runErr == nil:
		if !o.Result.Final() {
			o.Result = results.Error
			o.Message = "runner reported no result"
		}
	case errors.IsTimeoutError(runErr):
		o.Result = results.Fail
		if o.Message == "" {
			o.Message = fmt.Sprintf("timed out after %s", timeout)
		}
	case errors.Is(runErr, context.Canceled):
		o.Result = results.Error
		o.Message = "execution cancelled"
	default:
		o.Result = results.Error
		if o.Message == "" {
			o.Message = runErr.Error()
		}
	}
	return o
}
