package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/pulse/metrics"
	"github.com/teranos/testpulse/sym"
)

// TickerConfig holds configuration for the ticker
type TickerConfig struct {
	Interval time.Duration // How often to poll for due schedules
}

// DefaultTickerConfig returns default ticker configuration
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// Ticker polls for due schedules and hands each firing to the callback.
// At most one firing per schedule is in flight; a schedule that comes due
// while its previous firing runs is recorded as suppressed, not queued.
type Ticker struct {
	manager  *Manager
	callback Callback
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // tick loop
	flight sync.WaitGroup // firings waiting on their handoff

	pulseLog *zap.SugaredLogger

	mu              sync.Mutex
	inFlight        map[string]string // schedule id → run id
	started         bool
	lastTickAt      time.Time
	ticksSinceStart int64
	lastLogged      string
}

// NewTicker creates a ticker over the manager's schedules. The ticker also
// becomes the manager's firer so RunNow obeys the same in-flight rule.
func NewTicker(ctx context.Context, manager *Manager, callback Callback, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	t := &Ticker{
		manager:  manager,
		callback: callback,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log.Named("ticker")),
		inFlight: make(map[string]string),
	}
	manager.SetFirer(t)
	return t
}

// Start begins the ticker loop. Runs left running by a previous process are
// failed first, since their handoff died with it.
func (t *Ticker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	if n, err := t.manager.runs.Abandon(t.ctx, "scheduler restarted before the firing finished"); err != nil {
		t.pulseLog.Warnw("Failed to abandon orphaned runs", logger.FieldError, err)
	} else if n > 0 {
		t.pulseLog.Infow("Abandoned orphaned runs", logger.FieldCount, n)
	}

	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop halts the loop and waits for in-flight firings to record their outcome
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.flight.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			t.logNextInfo(t.manager.now())

			if err := t.checkDue(t.manager.now()); err != nil && t.ctx.Err() == nil {
				// Don't spam logs - log errors at warn level
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", tick)
			}
		}
	}
}

// checkDue fires every schedule whose next_run_at has passed
func (t *Ticker) checkDue(now time.Time) error {
	due, err := t.manager.store.ListDue(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due schedules")
	}

	for _, sc := range due {
		if t.ctx.Err() != nil {
			return t.ctx.Err()
		}
		if _, err := t.fire(t.ctx, sc, false, now); err != nil {
			t.pulseLog.Errorw("Failed to fire schedule",
				logger.FieldScheduleID, sc.ID,
				logger.FieldTestCaseID, sc.TestCaseID,
				logger.FieldError, err)
			// Continue with other schedules even if one fails
		}
	}
	return nil
}

// Fire runs sc now. A manual firing keeps the schedule's next_run_at.
func (t *Ticker) Fire(ctx context.Context, sc *Schedule, manual bool) (*Run, error) {
	return t.fire(ctx, sc, manual, t.manager.now())
}

func (t *Ticker) fire(ctx context.Context, sc *Schedule, manual bool, now time.Time) (*Run, error) {
	var next *time.Time
	if !manual {
		n, err := NextRun(sc.Type, sc.Expression, now, t.manager.loc)
		if err != nil {
			// Unreachable for schedules created through the manager; pause
			// rather than firing on every tick.
			sc.Enabled = false
			sc.NextRunAt = nil
			sc.UpdatedAt = now.UTC()
			if saveErr := t.manager.store.Save(ctx, sc); saveErr != nil {
				return nil, errors.WithSecondaryError(err, saveErr)
			}
			metrics.ScheduleFired("error")
			return nil, errors.Wrapf(err, "schedule %s paused", sc.ID)
		}
		n = n.UTC()
		next = &n
	}
	if manual {
		if err := t.manager.store.Advance(ctx, sc.ID, now, next); err != nil {
			return nil, err
		}
	} else {
		ok, err := t.manager.store.AdvanceDue(ctx, sc.ID, now, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			t.pulseLog.Debugw("Schedule no longer due, skipping firing", logger.FieldScheduleID, sc.ID)
			return nil, nil
		}
	}

	t.mu.Lock()
	if runID, busy := t.inFlight[sc.ID]; busy {
		t.mu.Unlock()
		run, err := t.manager.runs.Start(ctx, sc.ID, RunSuppressed, now,
			fmt.Sprintf("previous firing %s still in flight", runID))
		if err != nil {
			return nil, err
		}
		metrics.ScheduleFired("suppressed")
		t.pulseLog.Infow("Pulse firing suppressed",
			logger.FieldScheduleID, sc.ID,
			"in_flight_run", runID,
			logger.FieldNextRunAt, next)
		return run, nil
	}
	t.inFlight[sc.ID] = ""
	t.mu.Unlock()

	run, err := t.manager.runs.Start(ctx, sc.ID, RunRunning, now, "")
	if err != nil {
		t.release(sc.ID)
		return nil, err
	}
	t.mu.Lock()
	t.inFlight[sc.ID] = run.ID
	t.mu.Unlock()

	if err := t.manager.store.SetLastRun(ctx, sc.ID, LastRunRunning, ""); err != nil {
		t.pulseLog.Warnw("Failed to record running status", logger.FieldScheduleID, sc.ID, logger.FieldError, err)
	}

	handoff, err := t.handOff(ctx, sc, run, manual, now)
	if err != nil {
		t.finish(sc.ID, run, LastRunFailed, err.Error())
		t.release(sc.ID)
		metrics.ScheduleFired("error")
		run.Status = RunFailed
		run.Error = err.Error()
		return run, err
	}

	run.TaskID = handoff.TaskID
	if handoff.TaskID != "" {
		if err := t.manager.runs.AttachTask(ctx, run.ID, handoff.TaskID); err != nil {
			t.pulseLog.Warnw("Failed to link run to task", "run_id", run.ID, logger.FieldError, err)
		}
		if err := t.manager.store.SetLastRun(ctx, sc.ID, LastRunRunning, handoff.TaskID); err != nil {
			t.pulseLog.Warnw("Failed to record task id", logger.FieldScheduleID, sc.ID, logger.FieldError, err)
		}
	}
	metrics.ScheduleFired("fired")

	t.pulseLog.Infow("Pulse fired",
		logger.FieldScheduleID, sc.ID,
		logger.FieldTestCaseID, sc.TestCaseID,
		logger.FieldTaskID, handoff.TaskID,
		"run_id", run.ID,
		"manual", manual,
		logger.FieldNextRunAt, next)

	t.flight.Add(1)
	go t.await(sc.ID, run, handoff)
	return run, nil
}

func (t *Ticker) handOff(ctx context.Context, sc *Schedule, run *Run, manual bool, now time.Time) (*Handoff, error) {
	if t.callback == nil {
		return nil, errors.New("no callback registered")
	}
	h, err := t.callback(ctx, Firing{
		ScheduleID:  sc.ID,
		RunID:       run.ID,
		TestCaseID:  sc.TestCaseID,
		Environment: sc.Environment,
		Parameters:  sc.Parameters,
		FiredAt:     now,
		Manual:      manual,
	})
	if err != nil {
		return nil, err
	}
	if h == nil || h.Wait == nil {
		return nil, errors.New("callback returned no handoff")
	}
	return h, nil
}

// await holds the in-flight slot until the handoff finishes
func (t *Ticker) await(scheduleID string, run *Run, h *Handoff) {
	defer t.flight.Done()
	defer t.release(scheduleID)

	status, message, err := h.Wait(t.ctx)
	if err != nil {
		status = LastRunFailed
		message = err.Error()
		if t.ctx.Err() != nil {
			message = "scheduler stopped before the firing finished"
		}
	}
	if status != LastRunSuccess {
		status = LastRunFailed
	}
	t.finish(scheduleID, run, status, message)

	t.pulseLog.Infow("Pulse firing finished",
		logger.FieldScheduleID, scheduleID,
		logger.FieldTaskID, h.TaskID,
		"run_id", run.ID,
		logger.FieldStatus, status)
}

// finish records the outcome on both the run and the schedule. It runs
// after shutdown too, so it does not use the ticker context.
func (t *Ticker) finish(scheduleID string, run *Run, status LastRunStatus, message string) {
	ctx := context.Background()
	if err := t.manager.runs.Complete(ctx, run.ID, RunStatus(status), message, t.manager.now()); err != nil {
		t.pulseLog.Errorw("Failed to complete run", "run_id", run.ID, logger.FieldError, err)
	}
	if err := t.manager.store.SetLastRun(ctx, scheduleID, status, ""); err != nil {
		t.pulseLog.Errorw("Failed to record last run", logger.FieldScheduleID, scheduleID, logger.FieldError, err)
	}
}

func (t *Ticker) release(scheduleID string) {
	t.mu.Lock()
	delete(t.inFlight, scheduleID)
	t.mu.Unlock()
}

// InFlight reports whether a firing of the schedule is still running
func (t *Ticker) InFlight(scheduleID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inFlight[scheduleID]
	return ok
}

// logNextInfo logs time until the next firing, only when it changes
func (t *Ticker) logNextInfo(now time.Time) {
	next, err := t.manager.store.NextDue(t.ctx)
	if err != nil {
		if t.ctx.Err() == nil {
			t.pulseLog.Warnw("Failed to get next due schedule", logger.FieldError, err)
		}
		return
	}

	t.mu.Lock()
	active := len(t.inFlight)
	t.mu.Unlock()

	// One pulse symbol per in-flight firing, capped
	indicator := ""
	if active > 0 {
		indicator = strings.Repeat(sym.Pulse+" ", min(active, 60))
	}

	var msg string
	if next == nil || next.NextRunAt == nil {
		msg = indicator + "Pulse - no scheduled executions"
	} else {
		msg = fmt.Sprintf("%sPulse - next scheduled execution of test case %d at %s",
			indicator, next.TestCaseID, next.NextRunAt.In(t.manager.loc).Format(time.RFC3339))
	}
	if active > 0 {
		msg += fmt.Sprintf(", %d firings in flight", active)
	}

	t.mu.Lock()
	changed := msg != t.lastLogged
	t.lastLogged = msg
	t.mu.Unlock()
	if !changed {
		return
	}

	if next != nil && next.NextRunAt != nil {
		t.pulseLog.Infow(msg, "in", next.NextRunAt.Sub(now).Round(time.Second))
		return
	}
	t.pulseLog.Infow(msg)
}

// Stats returns ticker statistics
func (t *Ticker) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
		"in_flight":         len(t.inFlight),
	}
}
