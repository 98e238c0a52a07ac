package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/testpulse/cmd/testpulse/commands"
	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "testpulse",
	Short: "testpulse - test case dependencies, gating and scheduled execution",
	Long: `testpulse - test case dependencies, gating and scheduled execution.

Test cases form a dependency graph. Each edge carries a condition on the
dependency's execution history; a test case runs only when its conditions
hold. Executions are queued, run by the Pulse daemon, and recorded.

Available commands:
  am       - Manage testpulse configuration ("I am")
  db       - Inspect and migrate the database
  deps     - Manage the dependency graph, order and gate checks
  run      - Run test cases in dependency order
  task     - Dispatch and inspect asynchronous executions
  schedule - Manage recurring test schedules
  pulse    - Run the Pulse daemon (executor + scheduler)

Examples:
  testpulse deps add 2 1 --result Pass   # 2 needs 1's latest result to be Pass
  testpulse deps order 1 2 3             # Topological order
  testpulse pulse start                  # Start the daemon
  testpulse run 1 2 3 --env staging      # Ordered, gated run
  testpulse schedule create --name nightly --test-case 3 --type daily --expr 02:00`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(commands.JSONOutput, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().BoolVar(&commands.JSONOutput, "json", false, "Machine-readable output and JSON logs")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.DepsCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.TaskCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Cleanup()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
