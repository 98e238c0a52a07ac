package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/testpulse/internal/util"
	"github.com/teranos/testpulse/pulse/schedule"
	"github.com/teranos/testpulse/sym"
)

// ScheduleCmd manages recurring test executions
var ScheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"sched"},
	Short:   sym.Pulse + " Manage recurring test executions",
	Long: sym.Pulse + ` schedule — Recurring execution of a test case

Schedule types and expressions (evaluated in pulse.timezone):
  daily    "HH:MM"               default 09:00
  weekly   "<weekday> HH:MM"     weekday name or 0-6 (0 = Sunday), default Monday 09:00
  monthly  "<day> HH:MM"         day 1-31, clamped to short months, default 1 09:00
  cron     5-field cron or @hourly, @daily, ...

Examples:
  testpulse schedule create --test-case 4 --type daily --expr 06:30 --env staging
  testpulse schedule create --test-case 4 --type cron --expr "*/15 * * * *"
  testpulse schedule ls
  testpulse schedule run-now <id>
  testpulse schedule runs <id>`,
}

var (
	schedName     string
	schedTestCase int64
	schedType     string
	schedExpr     string
	schedEnv      string
	schedParams   []string
	schedPaused   bool
	schedEnabled  bool
	schedAll      bool
	runsLimit     int
	runsOffset    int
	runsStatus    string
)

func withManager(cmd *cobra.Command, fn func(m *schedule.Manager) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.schedules()
	if err != nil {
		return err
	}
	return fn(m)
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(schedParams)
		if err != nil {
			return err
		}
		return withManager(cmd, func(m *schedule.Manager) error {
			sc, err := m.Create(cmd.Context(), schedule.Input{
				Name:        schedName,
				TestCaseID:  schedTestCase,
				Type:        schedule.Type(schedType),
				Expression:  schedExpr,
				Environment: schedEnv,
				Parameters:  params,
				Disabled:    schedPaused,
			})
			if err != nil {
				return err
			}
			return render(sc, func() error {
				pterm.Success.Printf("Schedule %s created, next run %s\n", sc.ID, fmtTime(sc.NextRunAt))
				return nil
			})
		})
	},
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a schedule; only the given flags are applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p schedule.Patch
		flags := cmd.Flags()
		if flags.Changed("name") {
			p.Name = &schedName
		}
		if flags.Changed("test-case") {
			p.TestCaseID = &schedTestCase
		}
		if flags.Changed("type") {
			p.Type = util.Ptr(schedule.Type(schedType))
		}
		if flags.Changed("expr") {
			p.Expression = &schedExpr
		}
		if flags.Changed("env") {
			p.Environment = &schedEnv
		}
		if flags.Changed("param") {
			params, err := parseParams(schedParams)
			if err != nil {
				return err
			}
			p.Parameters = params
		}

		return withManager(cmd, func(m *schedule.Manager) error {
			sc, err := m.Update(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return render(sc, func() error { return printSchedule(sc) })
		})
	},
}

func scheduleActionCmd(use, short string, action func(*schedule.Manager, *cobra.Command, string) (*schedule.Schedule, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(m *schedule.Manager) error {
				sc, err := action(m, cmd, args[0])
				if err != nil {
					return err
				}
				return render(sc, func() error {
					pterm.Success.Printf("Schedule %s is %s, next run %s\n", sc.ID, sc.State(), fmtTime(sc.NextRunAt))
					return nil
				})
			})
		},
	}
}

var scheduleRunNowCmd = &cobra.Command{
	Use:   "run-now <id>",
	Short: "Fire a schedule on the daemon's next tick",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(m *schedule.Manager) error {
			sc, _, err := m.RunNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(sc, func() error {
				pterm.Success.Printf("Schedule %s marked due; a running daemon fires it on its next tick\n", sc.ID)
				return nil
			})
		})
	},
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(m *schedule.Manager) error {
			list, err := m.List(cmd.Context(), schedule.Filter{
				TestCaseID:     schedTestCase,
				EnabledOnly:    schedEnabled,
				IncludeRemoved: schedAll,
			})
			if err != nil {
				return err
			}
			return render(list, func() error {
				rows := make([][]string, 0, len(list))
				for _, sc := range list {
					rows = append(rows, []string{
						sc.ID,
						sc.Name,
						strconv.FormatInt(sc.TestCaseID, 10),
						string(sc.Type) + " " + sc.Expression,
						sc.Environment,
						sc.State(),
						fmtTime(sc.NextRunAt),
						lastRun(sc),
					})
				}
				return printTable([]string{"ID", "NAME", "TEST CASE", "RECURRENCE", "ENV", "STATE", "NEXT RUN", "LAST RUN"}, rows)
			})
		})
	},
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(m *schedule.Manager) error {
			sc, err := m.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(sc, func() error { return printSchedule(sc) })
		})
	},
}

var scheduleRunsCmd = &cobra.Command{
	Use:   "runs <id>",
	Short: "Show the firing history of a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(m *schedule.Manager) error {
			runs, total, err := m.ListRuns(cmd.Context(), args[0], runsLimit, runsOffset, schedule.RunStatus(runsStatus))
			if err != nil {
				return err
			}
			out := struct {
				Runs  []*schedule.Run `json:"runs"`
				Total int             `json:"total"`
			}{runs, total}
			return render(out, func() error {
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					duration := "-"
					if r.DurationMS != nil {
						duration = fmt.Sprintf("%dms", *r.DurationMS)
					}
					rows = append(rows, []string{r.ID, string(r.Status), fmtTime(&r.StartedAt), duration, r.TaskID, r.Error})
				}
				if err := printTable([]string{"RUN", "STATUS", "STARTED", "DURATION", "TASK", "MESSAGE"}, rows); err != nil {
					return err
				}
				fmt.Printf("%d of %d runs\n", len(runs), total)
				return nil
			})
		})
	},
}

func lastRun(sc *schedule.Schedule) string {
	if sc.LastRunAt == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", fmtTime(sc.LastRunAt), sc.LastRunStatus)
}

func printSchedule(sc *schedule.Schedule) error {
	rows := [][]string{
		{"ID", sc.ID},
		{"Name", sc.Name},
		{"Test case", strconv.FormatInt(sc.TestCaseID, 10)},
		{"Recurrence", string(sc.Type) + " " + sc.Expression},
		{"Environment", sc.Environment},
		{"State", sc.State()},
		{"Next run", fmtTime(sc.NextRunAt)},
		{"Last run", lastRun(sc)},
		{"Last task", sc.LastTaskID},
	}
	for k, v := range sc.Parameters {
		rows = append(rows, []string{"param " + k, fmt.Sprintf("%v", v)})
	}
	return pterm.DefaultTable.WithData(rows).Render()
}

func addScheduleFieldFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&schedName, "name", "", "Display name")
	cmd.Flags().Int64Var(&schedTestCase, "test-case", 0, "Test case to execute")
	cmd.Flags().StringVar(&schedType, "type", string(schedule.TypeDaily), "Recurrence type: daily, weekly, monthly, cron")
	cmd.Flags().StringVar(&schedExpr, "expr", "", "Recurrence expression")
	cmd.Flags().StringVar(&schedEnv, "env", "", "Environment the test runs against")
	cmd.Flags().StringArrayVar(&schedParams, "param", nil, "Execution parameter key=value (repeatable)")
}

func init() {
	addScheduleFieldFlags(scheduleCreateCmd)
	scheduleCreateCmd.Flags().BoolVar(&schedPaused, "paused", false, "Create the schedule paused")
	_ = scheduleCreateCmd.MarkFlagRequired("test-case")
	addScheduleFieldFlags(scheduleUpdateCmd)

	scheduleLsCmd.Flags().Int64Var(&schedTestCase, "test-case", 0, "Only schedules of this test case")
	scheduleLsCmd.Flags().BoolVar(&schedEnabled, "enabled", false, "Only enabled schedules")
	scheduleLsCmd.Flags().BoolVar(&schedAll, "all", false, "Include removed schedules")

	scheduleRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Runs per page")
	scheduleRunsCmd.Flags().IntVar(&runsOffset, "offset", 0, "Runs to skip")
	scheduleRunsCmd.Flags().StringVar(&runsStatus, "status", "", "Only runs with this status (running, success, failed, suppressed)")

	ScheduleCmd.AddCommand(scheduleCreateCmd)
	ScheduleCmd.AddCommand(scheduleUpdateCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleShowCmd)
	ScheduleCmd.AddCommand(scheduleRunsCmd)
	ScheduleCmd.AddCommand(scheduleRunNowCmd)
	ScheduleCmd.AddCommand(scheduleActionCmd("pause", "Stop a schedule from firing",
		func(m *schedule.Manager, cmd *cobra.Command, id string) (*schedule.Schedule, error) {
			return m.Pause(cmd.Context(), id)
		}))
	ScheduleCmd.AddCommand(scheduleActionCmd("resume", "Resume a paused schedule",
		func(m *schedule.Manager, cmd *cobra.Command, id string) (*schedule.Schedule, error) {
			return m.Resume(cmd.Context(), id)
		}))
	ScheduleCmd.AddCommand(scheduleActionCmd("toggle", "Pause an active schedule or resume a paused one",
		func(m *schedule.Manager, cmd *cobra.Command, id string) (*schedule.Schedule, error) {
			return m.Toggle(cmd.Context(), id)
		}))
	ScheduleCmd.AddCommand(scheduleActionCmd("rm", "Remove a schedule",
		func(m *schedule.Manager, cmd *cobra.Command, id string) (*schedule.Schedule, error) {
			return m.Delete(cmd.Context(), id)
		}))
}
