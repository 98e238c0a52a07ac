package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/testpulse/db"
	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the testpulse database",
	Long: sym.DB + ` db — Manage testpulse database operations

Examples:
  testpulse db stats              # Row counts and applied migrations
  testpulse db migrate            # Apply pending migrations`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		applied, err := db.AppliedVersions(a.db)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return errors.Wrap(errors.ErrDataIntegrity, "no migrations recorded")
		}
		fmt.Printf("%s Database %s is at migration %s\n", sym.DB, a.cfg.Database.Path, applied[len(applied)-1])
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

// statTables are the tables counted by `db stats`, in display order
var statTables = []struct {
	table string
	label string
}{
	{"test_dependencies", "Dependencies"},
	{"execution_results", "Execution results"},
	{"execution_tasks", "Tasks"},
	{"test_schedules", "Schedules"},
	{"schedule_runs", "Schedule runs"},
}

type dbStats struct {
	Path       string         `json:"path"`
	Counts     map[string]int `json:"counts"`
	Migrations []string       `json:"migrations"`
}

func runDbStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats := dbStats{Path: a.cfg.Database.Path, Counts: make(map[string]int, len(statTables))}
	for _, t := range statTables {
		var n int
		// table names come from statTables, never from input
		if err := a.db.QueryRowContext(cmd.Context(), "SELECT COUNT(*) FROM "+t.table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", t.table)
		}
		stats.Counts[t.table] = n
	}
	stats.Migrations, err = db.AppliedVersions(a.db)
	if err != nil {
		return err
	}

	return render(stats, func() error {
		fmt.Printf("%s Database Statistics\n", sym.DB)
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
		fmt.Printf("Database Path:      %s\n", stats.Path)
		for _, t := range statTables {
			fmt.Printf("%-19s %d\n", t.label+":", stats.Counts[t.table])
		}
		fmt.Printf("Migrations:         %d applied\n", len(stats.Migrations))
		return nil
	})
}
