package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/testpulse/sym"
	"github.com/teranos/testpulse/testrun"
)

var runEnv string

// RunCmd executes test cases one after another in dependency order
var RunCmd = &cobra.Command{
	Use:   "run <ids...>",
	Short: sym.Graph + " Run test cases in dependency order",
	Long: sym.Graph + ` run — Ordered execution

Test cases are ordered by their enabled dependencies and dispatched one
at a time. Each waits for the one before it, so a dependency that fails
in this run gates its dependents. Execution happens in the daemon
(testpulse pulse start); interrupting the command cancels the test case
in flight.

Examples:
  testpulse run 1 2 3 --env staging
  testpulse run 1,2,3 --no-cascade
  testpulse run 7 --force`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		planner := testrun.NewPlanner(a.graph, a.gate, a.log)
		runner := testrun.NewRunner(planner, a.queueOnly(cmd.Context()), a.log)

		report, runErr := runner.Execute(cmd.Context(), ids, runEnv, runPolicy())
		if report == nil {
			return runErr
		}
		if err := render(report, func() error { return printReport(report) }); err != nil {
			return err
		}
		return runErr
	},
}

func printReport(rep *testrun.Report) error {
	rows := make([][]string, 0, len(rep.Entries))
	for _, e := range rep.Entries {
		outcome := fmtOutcome(e.Result)
		detail := e.Message
		if e.Skipped {
			outcome = pterm.Gray("skipped")
			detail = e.Reason
			if len(e.SkippedBy) > 0 {
				detail = "dependency skipped: " + fmtIDs(e.SkippedBy)
			}
		}
		rows = append(rows, []string{strconv.FormatInt(e.TestCaseID, 10), e.TaskID, string(e.Status), outcome, detail})
	}
	if err := printTable([]string{"TEST CASE", "TASK", "STATUS", "RESULT", "DETAIL"}, rows); err != nil {
		return err
	}
	if len(rep.Remainder) > 0 {
		pterm.Warning.Printf("Not run, cycle among enabled dependencies: %s\n", fmtIDs(rep.Remainder))
	}
	fmt.Printf("%d passed, %d failed, %d skipped\n", rep.Passed, rep.Failed, rep.Skipped)
	return nil
}

func init() {
	RunCmd.Flags().StringVar(&runEnv, "env", "", "Environment the test cases run against")
	addPolicyFlags(RunCmd)
}
