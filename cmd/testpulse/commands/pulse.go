package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/testpulse/am"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/pulse/metrics"
	"github.com/teranos/testpulse/pulse/schedule"
	"github.com/teranos/testpulse/runner"
	"github.com/teranos/testpulse/sym"
	"github.com/teranos/testpulse/testrun"
)

// PulseCmd represents the pulse command - the execution daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Manage the Pulse daemon (test executor + scheduler)",
	Long: sym.Pulse + ` Pulse daemon - continuous test execution.

The Pulse daemon provides:
- A worker pool executing queued test cases
- The recurrence ticker firing due schedules
- A Prometheus endpoint when metrics.address is set
- GRACE shutdown (in-flight executions finish before exit)

Tasks queued by other testpulse commands are adopted on every tick.

Example:
  testpulse pulse start              # Start daemon in foreground
  testpulse pulse start --workers 3  # Start with 3 concurrent workers
  testpulse pulse status             # Task counts and upcoming schedules`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Recover tasks left by a previous run and start the worker pool
- Start the ticker for recurring test schedules
- Apply timeout and start-rate edits to am.toml without a restart
- Reload the test case manifest when it changes
- Reload the manifest on SIGHUP
- Run until interrupted (Ctrl+C) with GRACE shutdown`,
	RunE: runPulseStart,
}

// PulseStatusCmd reports what the daemon is working on
var PulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts, host capacity and upcoming schedules",
	RunE:  runPulseStatus,
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	loc, err := a.location()
	if err != nil {
		return err
	}

	poolCfg := async.WorkerPoolConfigFromAM(a.cfg)
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		poolCfg.Workers = workers
	}

	// Create context for graceful shutdown
	// Detached from the command context: shutdown is driven by the signal loop below
	ctx, cancel := context.WithCancel(context.WithoutCancel(cmd.Context()))
	defer cancel()

	dispatcher, resolver, err := a.dispatcher(ctx, poolCfg)
	if err != nil {
		return err
	}
	pool := dispatcher.Pool()
	poolCfg = pool.Config()

	verbosity, _ := cmd.Flags().GetCount("verbose")
	printStartupBanner(verbosity, a.cfg.GetDatabasePath(), poolCfg.Workers)
	fmt.Printf("%s Starting Pulse daemon...\n", sym.Pulse)
	if err := dispatcher.Start(); err != nil {
		return err
	}

	tickerCfg := schedule.TickerConfig{Interval: time.Duration(a.cfg.Pulse.TickerIntervalSeconds) * time.Second}
	manager := schedule.NewManager(a.db, loc, a.log)
	ticker := schedule.NewTicker(ctx, manager, testrun.DispatchCallback(dispatcher, a.gate, a.log), tickerCfg, a.log)
	ticker.Start()

	watcher := watchConfig(dispatcher, resolver, a.cfg.Runner.Manifest)

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Metrics.Address; addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr, a.log) })
	}
	if hours := a.cfg.Pulse.TaskRetentionHours; hours > 0 {
		g.Go(func() error {
			retainTasks(gctx, dispatcher, time.Duration(hours)*time.Hour)
			return nil
		})
	}

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Workers: %d\n", poolCfg.Workers)
	fmt.Printf("  Default timeout: %v\n", poolCfg.DefaultTimeout)
	fmt.Printf("  Manifest: %s (%d test cases)\n", a.cfg.Runner.Manifest, len(resolver.IDs()))
	fmt.Printf("  Scheduler interval: %v (%s)\n", tickerCfg.Interval, loc)
	if a.cfg.Metrics.Address != "" {
		fmt.Printf("  Metrics: http://%s/metrics\n", a.cfg.Metrics.Address)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig != syscall.SIGHUP {
				break wait
			}
			reloadManifest(resolver)
		case <-gctx.Done():
			// metrics endpoint failed
			break wait
		}
	}

	fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.Pulse)

	// Stop components in reverse order of startup
	if watcher != nil {
		_ = watcher.Stop()
	}
	ticker.Stop()
	dispatcher.Stop()
	cancel()

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("%s Pulse daemon stopped\n", sym.Pulse)
	return nil
}

// watchConfig applies edits to am.toml and the manifest without a restart.
// A missing config directory only disables hot reload.
func watchConfig(d *async.Dispatcher, resolver *runner.ManifestResolver, manifest string) *am.ConfigWatcher {
	log := logger.AddAMSymbol(logger.ComponentLogger("am"))
	path := am.WritableConfigPath()
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		log.Infow("Config hot reload disabled", "path", path, logger.FieldError, err)
		return nil
	}

	watcher.OnReload(func(cfg *am.Config) error {
		pc := async.WorkerPoolConfigFromAM(cfg)
		d.Pool().SetDefaultTimeout(pc.DefaultTimeout, pc.SoftTimeout)
		d.Pool().SetStartRate(pc.MaxStartsPerSecond)
		log.Infow("Applied pulse settings", "default_timeout", pc.DefaultTimeout, "max_starts_per_second", pc.MaxStartsPerSecond)
		return nil
	})
	if err := watcher.WatchFile(manifest, func() error {
		reloadManifest(resolver)
		return nil
	}); err != nil {
		log.Warnw("Manifest changes need SIGHUP", logger.FieldError, err)
	}
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}

func reloadManifest(resolver *runner.ManifestResolver) {
	if err := resolver.Reload(); err != nil {
		logger.PulseWarnw("Manifest reload failed, keeping previous test cases", logger.FieldError, err)
		return
	}
	logger.PulseInfow("Manifest reloaded", logger.FieldCount, len(resolver.IDs()))
}

// retainTasks removes finished tasks older than retention once an hour
func retainTasks(ctx context.Context, d *async.Dispatcher, retention time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		if _, err := d.Cleanup(ctx, retention); err != nil && ctx.Err() == nil {
			logger.PulseWarnw("Task cleanup failed", logger.FieldError, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

type pulseStatus struct {
	Tasks     *async.PoolStats     `json:"tasks"`
	Schedules []*schedule.Schedule `json:"upcoming_schedules"`
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.queueOnly(cmd.Context()).Stats(cmd.Context())
	if err != nil {
		return err
	}
	m, err := a.schedules()
	if err != nil {
		return err
	}
	upcoming, err := m.List(cmd.Context(), schedule.Filter{EnabledOnly: true})
	if err != nil {
		return err
	}

	status := pulseStatus{Tasks: stats, Schedules: upcoming}
	return render(status, func() error {
		pterm.DefaultSection.Println(sym.Pulse + " Tasks")
		fmt.Printf("  queued %d · running %d · success %d · failure %d · revoked %d\n",
			stats.Counts[async.TaskStatusQueued], stats.Counts[async.TaskStatusRunning],
			stats.Counts[async.TaskStatusSuccess], stats.Counts[async.TaskStatusFailure],
			stats.Counts[async.TaskStatusRevoked])
		fmt.Printf("  host memory: %.1f of %.1f GB (%.0f%%)\n",
			stats.MemoryUsedGB, stats.MemoryTotalGB, stats.MemoryPercent)

		pterm.DefaultSection.Println(sym.Pulse + " Upcoming schedules")
		rows := make([][]string, 0, len(upcoming))
		for _, sc := range upcoming {
			rows = append(rows, []string{sc.ID, sc.Name, strconv.FormatInt(sc.TestCaseID, 10), fmtTime(sc.NextRunAt), lastRun(sc)})
		}
		return printTable([]string{"ID", "NAME", "TEST CASE", "NEXT RUN", "LAST RUN"}, rows)
	})
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (0 = pulse.workers)")
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseStatusCmd)
}
