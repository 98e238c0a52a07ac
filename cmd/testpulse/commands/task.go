package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/sym"
)

// TaskCmd dispatches and inspects asynchronous executions
var TaskCmd = &cobra.Command{
	Use:   "task",
	Short: sym.Pulse + " Dispatch and inspect test executions",
	Long: sym.Pulse + ` task — Asynchronous test execution

Tasks are persisted in the database and executed by the daemon
(testpulse pulse start), which adopts newly queued tasks on every tick.

Examples:
  testpulse task dispatch 4 --env staging --wait
  testpulse task batch 1,2,3 --max-workers 2
  testpulse task status <task-id>
  testpulse task cancel <task-id>
  testpulse task ls --status running`,
}

var (
	taskEnv         string
	taskParams      []string
	taskTimeout     time.Duration
	taskWait        bool
	taskWaitTimeout time.Duration
	taskMaxWorkers  int
	taskStatus      string
	taskLimit       int
	taskOlderThan   time.Duration
)

func withQueue(cmd *cobra.Command, fn func(a *app, d *async.Dispatcher) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a, a.queueOnly(cmd.Context()))
}

var taskDispatchCmd = &cobra.Command{
	Use:   "dispatch <test-case>",
	Short: "Queue one test case for execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		params, err := parseParams(taskParams)
		if err != nil {
			return err
		}
		return withQueue(cmd, func(a *app, d *async.Dispatcher) error {
			taskID, err := d.Dispatch(cmd.Context(), async.Request{
				TestCaseID:  id,
				Environment: taskEnv,
				Params:      params,
				Timeout:     taskTimeout,
			})
			if err != nil {
				return err
			}
			return finishDispatch(cmd.Context(), d, taskID)
		})
	},
}

var taskBatchCmd = &cobra.Command{
	Use:   "batch <ids...>",
	Short: "Queue several test cases as one batch",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		params, err := parseParams(taskParams)
		if err != nil {
			return err
		}
		return withQueue(cmd, func(a *app, d *async.Dispatcher) error {
			taskID, err := d.DispatchBatch(cmd.Context(), async.BatchRequest{
				TestCaseIDs: ids,
				Environment: taskEnv,
				Params:      params,
				MaxWorkers:  taskMaxWorkers,
				Timeout:     taskTimeout,
			})
			if err != nil {
				return err
			}
			return finishDispatch(cmd.Context(), d, taskID)
		})
	},
}

// finishDispatch prints the task id, or waits for the task under --wait
func finishDispatch(ctx context.Context, d *async.Dispatcher, taskID string) error {
	if !taskWait {
		return render(map[string]string{"task_id": taskID}, func() error {
			pterm.Success.Printf("Queued task %s\n", taskID)
			return nil
		})
	}

	if taskWaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, taskWaitTimeout)
		defer cancel()
	}

	var spinner *pterm.SpinnerPrinter
	if !JSONOutput {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("Waiting for task %s", taskID))
	}
	view, err := d.Wait(ctx, taskID)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.WithHint(errors.Wrapf(err, "task %s still %s", taskID, view.Status),
				"is the daemon running? start it with: testpulse pulse start")
		}
		return err
	}
	return render(view, func() error { return printView(view) })
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the state of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(a *app, d *async.Dispatcher) error {
			view, err := d.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(view, func() error { return printView(view) })
		})
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Revoke a queued task, or stop tracking a running one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(a *app, d *async.Dispatcher) error {
			if err := d.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			view, err := d.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(view, func() error { return printView(view) })
		})
	},
}

var taskLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := async.TaskFilter{TopLevelOnly: true, Limit: taskLimit}
		if taskStatus != "" {
			s := async.TaskStatus(taskStatus)
			filter.Status = &s
		}
		return withQueue(cmd, func(a *app, d *async.Dispatcher) error {
			tasks, err := d.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return render(tasks, func() error {
				rows := make([][]string, 0, len(tasks))
				for _, t := range tasks {
					target := strconv.FormatInt(t.TestCaseID, 10)
					if t.Kind == async.TaskKindBatch {
						target = fmtIDs(t.TestCaseIDs)
					}
					rows = append(rows, []string{
						t.ID, string(t.Kind), target, t.Environment, string(t.Status),
						fmtTime(&t.CreatedAt), fmtTime(t.CompletedAt), t.Error,
					})
				}
				return printTable([]string{"TASK", "KIND", "TEST CASES", "ENV", "STATUS", "CREATED", "COMPLETED", "ERROR"}, rows)
			})
		})
	},
}

var taskCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished tasks older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(a *app, d *async.Dispatcher) error {
			n, err := d.Cleanup(cmd.Context(), taskOlderThan)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Removed %d tasks\n", n)
			return nil
		})
	},
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tasks by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(a *app, d *async.Dispatcher) error {
			stats, err := d.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return render(stats.Counts, func() error {
				rows := make([][]string, 0, len(stats.Counts))
				for _, s := range []async.TaskStatus{async.TaskStatusQueued, async.TaskStatusRunning, async.TaskStatusSuccess, async.TaskStatusFailure, async.TaskStatusRevoked} {
					rows = append(rows, []string{string(s), strconv.Itoa(stats.Counts[s])})
				}
				return printTable([]string{"STATUS", "TASKS"}, rows)
			})
		})
	},
}

func printView(v *async.StatusView) error {
	rows := [][]string{
		{"Task", v.TaskID},
		{"Kind", string(v.Kind)},
		{"Status", string(v.Status)},
	}
	if v.Progress.Total > 0 {
		rows = append(rows, []string{"Progress", fmt.Sprintf("%d/%d (%.0f%%)", v.Progress.Current, v.Progress.Total, v.Progress.Percentage())})
	}
	switch res := v.Result.(type) {
	case *async.ExecutionResult:
		rows = append(rows,
			[]string{"Result", fmtOutcome(res.Result)},
			[]string{"Duration", (time.Duration(res.DurationMS) * time.Millisecond).String()})
		if res.Message != "" {
			rows = append(rows, []string{"Message", res.Message})
		}
	case *async.Summary:
		rows = append(rows, []string{"Summary", fmt.Sprintf("%d total, %d passed, %d failed, %d skipped, %d revoked",
			res.Total, res.Passed, res.Failed, res.Skipped, res.Revoked)})
	}
	if v.Error != "" {
		rows = append(rows, []string{"Error", fmt.Sprintf("%s (%s)", v.Error, v.ErrorCode)})
	}
	if v.Superseded {
		rows = append(rows, []string{"Superseded", "result arrived after the task was revoked"})
	}
	return pterm.DefaultTable.WithData(rows).Render()
}

func addWaitFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&taskWait, "wait", false, "Wait for the task to finish")
	cmd.Flags().DurationVar(&taskWaitTimeout, "wait-timeout", 0, "Give up waiting after this long (0 = no limit)")
}

func init() {
	for _, c := range []*cobra.Command{taskDispatchCmd, taskBatchCmd} {
		c.Flags().StringVar(&taskEnv, "env", "", "Environment the test runs against")
		c.Flags().StringArrayVar(&taskParams, "param", nil, "Execution parameter key=value (repeatable)")
		c.Flags().DurationVar(&taskTimeout, "timeout", 0, "Wall-clock limit per test case (0 = script or pulse default)")
		addWaitFlags(c)
	}
	taskBatchCmd.Flags().IntVar(&taskMaxWorkers, "max-workers", 0, "Children running at once (0 = pool size)")

	taskLsCmd.Flags().StringVar(&taskStatus, "status", "", "Only tasks with this status (queued, running, success, failure, revoked)")
	taskLsCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum tasks to list")
	taskCleanupCmd.Flags().DurationVar(&taskOlderThan, "older-than", 7*24*time.Hour, "Age of finished tasks to remove")

	TaskCmd.AddCommand(taskDispatchCmd)
	TaskCmd.AddCommand(taskBatchCmd)
	TaskCmd.AddCommand(taskStatusCmd)
	TaskCmd.AddCommand(taskCancelCmd)
	TaskCmd.AddCommand(taskLsCmd)
	TaskCmd.AddCommand(taskCleanupCmd)
	TaskCmd.AddCommand(taskStatsCmd)
}
