package testrun

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/pulse/schedule"
	"github.com/teranos/testpulse/results"
)

// ScheduleParam is the execution parameter carrying the id of the schedule
// that fired a task
const ScheduleParam = "schedule_id"

// DispatchCallback hands schedule firings to the dispatcher. When gt is set,
// a firing whose conditions are unmet is recorded as failed without
// dispatching anything.
//
// A firing succeeds when its task succeeds with a Pass or Skip result.
func DispatchCallback(d Dispatcher, gt Gate, log *zap.SugaredLogger) schedule.Callback {
	log = logger.AddPulseSymbol(log.Named("schedule-dispatch"))

	return func(ctx context.Context, f schedule.Firing) (*schedule.Handoff, error) {
		if gt != nil {
			v, err := gt.CanExecute(ctx, f.TestCaseID)
			if err != nil {
				return nil, err
			}
			if !v.CanExecute {
				reason := "blocked: " + strings.Join(v.Reasons(), "; ")
				log.Infow("Scheduled test case blocked by its dependencies",
					logger.FieldScheduleID, f.ScheduleID,
					logger.FieldTestCaseID, f.TestCaseID,
					"reason", reason)
				return &schedule.Handoff{
					Wait: func(context.Context) (schedule.LastRunStatus, string, error) {
						return schedule.LastRunFailed, reason, nil
					},
				}, nil
			}
		}

		params := make(map[string]interface{}, len(f.Parameters)+1)
		for k, v := range f.Parameters {
			params[k] = v
		}
		params[ScheduleParam] = f.ScheduleID

		taskID, err := d.Dispatch(ctx, async.Request{
			TestCaseID:  f.TestCaseID,
			Environment: f.Environment,
			Params:      params,
		})
		if err != nil {
			return nil, err
		}

		return &schedule.Handoff{
			TaskID: taskID,
			Wait: func(ctx context.Context) (schedule.LastRunStatus, string, error) {
				view, err := d.Wait(ctx, taskID)
				if err != nil {
					return "", "", err
				}
				status, msg := firingStatus(view)
				return status, msg, nil
			},
		}, nil
	}
}

// firingStatus counts a skipped test as a successful firing, matching the
// batch summary where a skip is never a failure.
func firingStatus(view *async.StatusView) (schedule.LastRunStatus, string) {
	msg := view.Error
	var outcome results.Outcome
	if res, ok := view.Result.(*async.ExecutionResult); ok && res != nil {
		outcome = res.Result
		if res.Message != "" {
			msg = res.Message
		}
	}

	if view.Status == async.TaskStatusSuccess && (outcome == results.Pass || outcome == results.Skip) {
		return schedule.LastRunSuccess, msg
	}
	if msg == "" {
		msg = string(view.Status)
		if outcome != "" {
			msg += ": " + string(outcome)
		}
	}
	return schedule.LastRunFailed, msg
}
