package schedule

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
)

var validate = validator.New()

// Firer fires a schedule immediately, outside its timer
type Firer interface {
	Fire(ctx context.Context, sc *Schedule, manual bool) (*Run, error)
}

// Manager owns the schedule lifecycle:
//
//	created → active (enabled && active) ⇄ paused (enabled=false) → removed
//
// Every operation returns the schedule with its current next_run_at.
type Manager struct {
	store *Store
	runs  *RunStore
	loc   *time.Location
	now   func() time.Time

	mu     sync.Mutex // serializes read-modify-write of one schedule row
	firer  Firer
	logger *zap.SugaredLogger
}

// NewManager creates a manager evaluating recurrences in loc (UTC if nil)
func NewManager(db *sql.DB, loc *time.Location, log *zap.SugaredLogger) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{
		store:  NewStore(db),
		runs:   NewRunStore(db),
		loc:    loc,
		now:    time.Now,
		logger: logger.AddPulseSymbol(log.Named("schedule")),
	}
}

// SetFirer routes RunNow through f. Without one RunNow only marks the schedule due.
func (m *Manager) SetFirer(f Firer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firer = f
}

// Location returns the zone recurrences are evaluated in
func (m *Manager) Location() *time.Location {
	return m.loc
}

// Store returns the underlying schedule store
func (m *Manager) Store() *Store {
	return m.store
}

// Runs returns the run history store
func (m *Manager) Runs() *RunStore {
	return m.runs
}

// Create validates in and stores a new schedule
func (m *Manager) Create(ctx context.Context, in Input) (*Schedule, error) {
	if err := validate.Struct(in); err != nil {
		return nil, errors.WrapValidation(err, "invalid schedule")
	}

	now := m.now().UTC()
	sc := &Schedule{
		ID:          uuid.NewString(),
		Name:        in.Name,
		TestCaseID:  in.TestCaseID,
		Type:        in.Type,
		Expression:  in.Expression,
		Environment: in.Environment,
		Parameters:  in.Parameters,
		Enabled:     !in.Disabled,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.reschedule(sc, now); err != nil {
		return nil, err
	}
	// Paused schedules still validate their expression up front
	if !sc.Enabled {
		if err := ValidateExpression(sc.Type, sc.Expression); err != nil {
			return nil, err
		}
	}
	if err := m.store.Create(ctx, sc); err != nil {
		return nil, err
	}

	m.logger.Infow("Schedule created",
		logger.FieldScheduleID, sc.ID,
		logger.FieldTestCaseID, sc.TestCaseID,
		"type", sc.Type,
		"expression", sc.Expression,
		logger.FieldNextRunAt, sc.NextRunAt)
	return sc, nil
}

// Update applies p. next_run_at is recomputed when type or expression
// changed while the schedule is enabled.
func (m *Manager) Update(ctx context.Context, id string, p Patch) (*Schedule, error) {
	if err := validate.Struct(p); err != nil {
		return nil, errors.WrapValidation(err, "invalid schedule update")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sc, err := m.live(ctx, id)
	if err != nil {
		return nil, err
	}

	recurrenceChanged := false
	if p.Name != nil {
		sc.Name = *p.Name
	}
	if p.TestCaseID != nil {
		sc.TestCaseID = *p.TestCaseID
	}
	if p.Type != nil && *p.Type != sc.Type {
		sc.Type = *p.Type
		recurrenceChanged = true
	}
	if p.Expression != nil && *p.Expression != sc.Expression {
		sc.Expression = *p.Expression
		recurrenceChanged = true
	}
	if p.Environment != nil {
		sc.Environment = *p.Environment
	}
	if p.Parameters != nil {
		sc.Parameters = p.Parameters
	}

	now := m.now().UTC()
	if recurrenceChanged {
		if err := ValidateExpression(sc.Type, sc.Expression); err != nil {
			return nil, err
		}
		if sc.Enabled {
			if err := m.reschedule(sc, now); err != nil {
				return nil, err
			}
		}
	}
	sc.UpdatedAt = now
	if err := m.store.Save(ctx, sc); err != nil {
		return nil, err
	}

	m.logger.Infow("Schedule updated",
		logger.FieldScheduleID, sc.ID,
		"recurrence_changed", recurrenceChanged,
		logger.FieldNextRunAt, sc.NextRunAt)
	return sc, nil
}

// Delete removes the schedule from the timer. Deleting twice is not an error.
func (m *Manager) Delete(ctx context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sc.Active {
		return sc, nil
	}

	sc.Active = false
	sc.NextRunAt = nil
	sc.UpdatedAt = m.now().UTC()
	if err := m.store.Save(ctx, sc); err != nil {
		return nil, err
	}
	m.logger.Infow("Schedule removed", logger.FieldScheduleID, sc.ID)
	return sc, nil
}

// Pause stops firing without losing configuration. Pausing twice is not an error.
func (m *Manager) Pause(ctx context.Context, id string) (*Schedule, error) {
	return m.setEnabled(ctx, id, false)
}

// Resume re-enables a paused schedule and computes its next run from now
func (m *Manager) Resume(ctx context.Context, id string) (*Schedule, error) {
	return m.setEnabled(ctx, id, true)
}

// Toggle flips between paused and active
func (m *Manager) Toggle(ctx context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	sc, err := m.live(ctx, id)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.setEnabled(ctx, id, !sc.Enabled)
}

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, err := m.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.Enabled == enabled {
		return sc, nil
	}

	now := m.now().UTC()
	sc.Enabled = enabled
	if enabled {
		if err := m.reschedule(sc, now); err != nil {
			return nil, err
		}
	} else {
		sc.NextRunAt = nil
	}
	sc.UpdatedAt = now
	if err := m.store.Save(ctx, sc); err != nil {
		return nil, err
	}

	m.logger.Infow("Schedule "+sc.State(),
		logger.FieldScheduleID, sc.ID,
		logger.FieldNextRunAt, sc.NextRunAt)
	return sc, nil
}

// RunNow fires the schedule immediately. The regular next_run_at is kept.
// Without a firer attached the schedule is made due so the daemon's ticker
// picks it up on its next tick.
func (m *Manager) RunNow(ctx context.Context, id string) (*Schedule, *Run, error) {
	m.mu.Lock()
	sc, err := m.live(ctx, id)
	firer := m.firer
	m.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	if firer != nil {
		run, err := firer.Fire(ctx, sc, true)
		if err != nil {
			return nil, nil, err
		}
		sc, err = m.store.Get(ctx, id)
		return sc, run, err
	}

	if !sc.Enabled {
		return nil, nil, errors.WithHint(
			errors.NewConflictError("schedule %s is paused", id),
			"resume it, or run the daemon so the firing happens in-process")
	}
	now := m.now().UTC()
	sc.NextRunAt = &now
	sc.UpdatedAt = now
	if err := m.store.Save(ctx, sc); err != nil {
		return nil, nil, err
	}
	m.logger.Infow("Schedule marked due", logger.FieldScheduleID, sc.ID)
	return sc, nil, nil
}

// Get returns a live schedule
func (m *Manager) Get(ctx context.Context, id string) (*Schedule, error) {
	return m.live(ctx, id)
}

// List returns schedules matching f
func (m *Manager) List(ctx context.Context, f Filter) ([]*Schedule, error) {
	return m.store.List(ctx, f)
}

// ListRuns returns a schedule's firing history, newest first
func (m *Manager) ListRuns(ctx context.Context, id string, limit, offset int, status RunStatus) ([]*Run, int, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return m.runs.List(ctx, id, limit, offset, status)
}

// live loads a schedule that has not been removed
func (m *Manager) live(ctx context.Context, id string) (*Schedule, error) {
	sc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sc.Active {
		return nil, errors.WithDetailf(errors.NewNotFoundError("schedule %s", id), "schedule %s was removed", id)
	}
	return sc, nil
}

// reschedule sets next_run_at from now, or clears it when not firing
func (m *Manager) reschedule(sc *Schedule, now time.Time) error {
	if !sc.Enabled || !sc.Active {
		sc.NextRunAt = nil
		return nil
	}
	next, err := NextRun(sc.Type, sc.Expression, now, m.loc)
	if err != nil {
		return err
	}
	next = next.UTC()
	sc.NextRunAt = &next
	return nil
}
