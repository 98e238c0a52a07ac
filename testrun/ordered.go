package testrun

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/results"
)

// Dispatcher is the async side of a run
type Dispatcher interface {
	Dispatch(ctx context.Context, req async.Request) (string, error)
	Wait(ctx context.Context, taskID string) (*async.StatusView, error)
	Cancel(ctx context.Context, taskID string) error
}

// Entry is what happened to one test case of a run
type Entry struct {
	TestCaseID int64            `json:"test_case_id"`
	TaskID     string           `json:"task_id,omitempty"`
	Status     async.TaskStatus `json:"status,omitempty"`
	Result     results.Outcome  `json:"result,omitempty"`
	Message    string           `json:"message,omitempty"`
	Skipped    bool             `json:"skipped"`
	Reason     string           `json:"reason,omitempty"`
	SkippedBy  []int64          `json:"skipped_by,omitempty"`
}

// Report summarizes an ordered run
type Report struct {
	Order     []int64 `json:"order"`
	Remainder []int64 `json:"remainder,omitempty"`
	Entries   []Entry `json:"entries"`
	Passed    int     `json:"passed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
}

// Runner executes test cases one at a time in dependency order
type Runner struct {
	planner    *Planner
	dispatcher Dispatcher
	logger     *zap.SugaredLogger
}

// NewRunner creates an ordered runner
func NewRunner(planner *Planner, dispatcher Dispatcher, log *zap.SugaredLogger) *Runner {
	return &Runner{planner: planner, dispatcher: dispatcher, logger: log.Named("run")}
}

// Execute dispatches ids in topological order. Each test case waits for the
// one before it, and its conditions are evaluated against the results just
// recorded, so a dependency that fails in this run gates its dependents.
// Cancelling ctx cancels the task in flight and returns the partial report.
func (r *Runner) Execute(ctx context.Context, ids []int64, env string, policy Policy) (*Report, error) {
	ordering, c, err := r.planner.prepare(ctx, ids, policy)
	if err != nil {
		return nil, err
	}

	report := &Report{Order: ordering.Order, Remainder: ordering.Remainder, Entries: []Entry{}}
	for _, id := range ordering.Order {
		verdict, err := r.planner.gate.CanExecute(ctx, id)
		if err != nil {
			return report, err
		}
		step := c.decide(id, verdict)
		if !step.Eligible {
			report.add(Entry{TestCaseID: id, Skipped: true, Reason: step.Reason, SkippedBy: step.SkippedBy})
			r.logger.Infow("Skipping test case", logger.FieldTestCaseID, id, "reason", step.Reason)
			continue
		}

		entry, err := r.runOne(ctx, id, env)
		if err != nil {
			if ctx.Err() != nil {
				report.add(entry)
				return report, err
			}
			// Dispatch was refused; dependents must not run on stale history
			c.skip(id)
			entry.Skipped = true
			entry.Reason = err.Error()
		}
		report.add(entry)
	}

	r.logger.Infow("Ordered run finished",
		logger.FieldCount, len(report.Entries),
		"passed", report.Passed,
		"failed", report.Failed,
		"skipped", report.Skipped)
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, id int64, env string) (Entry, error) {
	entry := Entry{TestCaseID: id}

	taskID, err := r.dispatcher.Dispatch(ctx, async.Request{TestCaseID: id, Environment: env})
	if err != nil {
		return entry, err
	}
	entry.TaskID = taskID

	view, err := r.dispatcher.Wait(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil {
			if cerr := r.dispatcher.Cancel(context.WithoutCancel(ctx), taskID); cerr != nil {
				err = errors.WithSecondaryError(err, cerr)
			}
			entry.Status = async.TaskStatusRevoked
		}
		return entry, err
	}

	entry.Status = view.Status
	entry.Message = view.Error
	if res, ok := view.Result.(*async.ExecutionResult); ok && res != nil {
		entry.Result = res.Result
		if res.Message != "" {
			entry.Message = res.Message
		}
	}
	return entry, nil
}

func (rep *Report) add(e Entry) {
	rep.Entries = append(rep.Entries, e)
	switch {
	case e.Skipped:
		rep.Skipped++
	case e.Status == async.TaskStatusSuccess && e.Result == results.Pass:
		rep.Passed++
	case e.Status != "":
		rep.Failed++
	}
}
