package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/testpulse/graph"
	"github.com/teranos/testpulse/sym"
	"github.com/teranos/testpulse/testrun"
)

// DepsCmd manages the dependency graph
var DepsCmd = &cobra.Command{
	Use:   "deps",
	Short: sym.Graph + " Manage test case dependencies",
	Long: sym.Graph + ` deps — Manage the dependency graph between test cases

An edge "A depends on B" has a type:
  required  A cannot run unless B satisfies the condition
  blocking  same gate, reported as blocked
  optional  reported only, never prevents execution

Conditions (at most one):
  --result Pass                 latest result of B equals Pass
  --status completed            latest status of B
  --min-pass-rate 0.8           pass rate over B's recent results

Examples:
  testpulse deps add 2 1 --type required --result Pass
  testpulse deps ls --test-case 2
  testpulse deps order 3 2 1
  testpulse deps check 2
  testpulse deps plan 1 2 3`,
}

var (
	depsType        string
	depsResult      string
	depsStatus      string
	depsMinPassRate float64
	depsRecent      int
	depsPriority    int
	depsTestCase    int64
	depsDependsOn   int64
	depsAll         bool
	depsNoCascade   bool
	depsForce       bool
)

var depsAddCmd = &cobra.Command{
	Use:   "add <test-case> <depends-on>",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tc, err := parseID(args[0])
		if err != nil {
			return err
		}
		dep, err := parseID(args[1])
		if err != nil {
			return err
		}
		cond, err := parseCondition(depsResult, depsStatus, depsMinPassRate, depsRecent)
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		edge, err := a.graph.AddEdge(cmd.Context(), graph.EdgeInput{
			TestCaseID:  tc,
			DependsOnID: dep,
			Type:        graph.DependencyType(depsType),
			Condition:   cond,
			Priority:    depsPriority,
		})
		if err != nil {
			return err
		}
		return render(edge, func() error {
			pterm.Success.Printf("Edge %d: %d depends on %d (%s)\n", edge.ID, edge.TestCaseID, edge.DependsOnID, edge.Type)
			return nil
		})
	},
}

var depsRmCmd = &cobra.Command{
	Use:   "rm <edge-id>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.graph.RemoveEdge(cmd.Context(), id); err != nil {
			return err
		}
		pterm.Success.Printf("Edge %d removed\n", id)
		return nil
	},
}

func edgeToggleCmd(use, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <edge-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var edge *graph.Edge
			if enable {
				edge, err = a.graph.EnableEdge(cmd.Context(), id)
			} else {
				edge, err = a.graph.DisableEdge(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			return render(edge, func() error {
				pterm.Success.Printf("Edge %d enabled=%t\n", edge.ID, edge.Enabled)
				return nil
			})
		},
	}
}

var depsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List dependency edges",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		edges, err := a.graph.ListEdges(cmd.Context(), graph.EdgeFilter{
			TestCaseID:      depsTestCase,
			DependsOnID:     depsDependsOn,
			IncludeDisabled: depsAll,
		})
		if err != nil {
			return err
		}
		return render(edges, func() error {
			rows := make([][]string, 0, len(edges))
			for _, e := range edges {
				rows = append(rows, []string{
					strconv.FormatInt(e.ID, 10),
					strconv.FormatInt(e.TestCaseID, 10),
					strconv.FormatInt(e.DependsOnID, 10),
					string(e.Type),
					e.Condition.String(),
					strconv.Itoa(e.Priority),
					strconv.FormatBool(e.Enabled),
				})
			}
			return printTable([]string{"ID", "TEST CASE", "DEPENDS ON", "TYPE", "CONDITION", "PRIORITY", "ENABLED"}, rows)
		})
	},
}

var depsOrderCmd = &cobra.Command{
	Use:   "order <ids...>",
	Short: "Print test cases in dependency order",
	Args:  cobra.MinimumNArgs(1),
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

		o, err := a.graph.Order(cmd.Context(), ids)
		if err != nil {
			return err
		}
		return render(o, func() error {
			fmt.Println(fmtIDs(o.Order))
			if w := o.Warning(); w != nil {
				pterm.Warning.Printf("%v: %s\n", w, fmtIDs(o.Remainder))
			}
			return nil
		})
	},
}

var depsCheckCmd = &cobra.Command{
	Use:   "check <test-case>",
	Short: "Evaluate whether a test case may run now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.gate.CanExecute(cmd.Context(), id)
		if err != nil {
			return err
		}
		return render(v, func() error {
			if v.CanExecute {
				pterm.Success.Printf("%s Test case %d can execute\n", sym.Gate, id)
			} else {
				pterm.Error.Printf("%s Test case %d cannot execute\n", sym.Gate, id)
			}
			for _, r := range v.Reasons() {
				fmt.Printf("  %s\n", r)
			}
			for _, u := range v.OptionalMissing {
				fmt.Printf("  optional %d: %s\n", u.DependsOnID, u.Reason)
			}
			return nil
		})
	},
}

var depsPlanCmd = &cobra.Command{
	Use:   "plan <ids...>",
	Short: "Show which test cases a run would dispatch",
	Args:  cobra.MinimumNArgs(1),
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

		plan, err := testrun.NewPlanner(a.graph, a.gate, a.log).Plan(cmd.Context(), ids, runPolicy())
		if err != nil {
			return err
		}
		return render(plan, func() error {
			rows := make([][]string, 0, len(plan.Steps))
			for _, s := range plan.Steps {
				verdict := pterm.Green("run")
				if !s.Eligible {
					verdict = pterm.Yellow("skip")
				}
				rows = append(rows, []string{strconv.FormatInt(s.TestCaseID, 10), verdict, s.Reason})
			}
			if err := printTable([]string{"TEST CASE", "PLAN", "REASON"}, rows); err != nil {
				return err
			}
			if len(plan.Remainder) > 0 {
				pterm.Warning.Printf("Cycle among enabled dependencies: %s\n", fmtIDs(plan.Remainder))
			}
			return nil
		})
	},
}

func runPolicy() testrun.Policy {
	return testrun.Policy{Cascade: !depsNoCascade, Force: depsForce}
}

func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&depsNoCascade, "no-cascade", false, "Run dependents of skipped test cases when their own conditions hold")
	cmd.Flags().BoolVar(&depsForce, "force", false, "Dispatch test cases whose conditions are unmet")
}

func init() {
	depsAddCmd.Flags().StringVar(&depsType, "type", string(graph.Required), "Dependency type: required, optional, blocking")
	depsAddCmd.Flags().StringVar(&depsResult, "result", "", "Condition: latest result equals (Pass, Fail, Skip, Error)")
	depsAddCmd.Flags().StringVar(&depsStatus, "status", "", "Condition: latest status equals (running, completed)")
	depsAddCmd.Flags().Float64Var(&depsMinPassRate, "min-pass-rate", 0, "Condition: minimum pass rate in [0,1]")
	depsAddCmd.Flags().IntVar(&depsRecent, "recent", 0, "Results considered by --min-pass-rate (0 = gate.default_recent_count)")
	depsAddCmd.Flags().IntVar(&depsPriority, "priority", 0, "Edge priority")

	depsLsCmd.Flags().Int64Var(&depsTestCase, "test-case", 0, "Only edges of this dependent")
	depsLsCmd.Flags().Int64Var(&depsDependsOn, "depends-on", 0, "Only edges onto this dependency")
	depsLsCmd.Flags().BoolVar(&depsAll, "all", false, "Include disabled edges")

	addPolicyFlags(depsPlanCmd)

	DepsCmd.AddCommand(depsAddCmd)
	DepsCmd.AddCommand(depsRmCmd)
	DepsCmd.AddCommand(edgeToggleCmd("disable", "Disable an edge without deleting it", false))
	DepsCmd.AddCommand(edgeToggleCmd("enable", "Re-enable a disabled edge", true))
	DepsCmd.AddCommand(depsLsCmd)
	DepsCmd.AddCommand(depsOrderCmd)
	DepsCmd.AddCommand(depsCheckCmd)
	DepsCmd.AddCommand(depsPlanCmd)
}
