package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/testpulse/errors"
)

// RunStatus is the state of one firing
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunSuccess    RunStatus = "success"
	RunFailed     RunStatus = "failed"
	RunSuppressed RunStatus = "suppressed" // previous firing still in flight
)

// Run is one firing of a schedule.
//
// Each time a schedule comes due a Run is recorded, including firings
// suppressed because the previous one had not finished. TaskID links the
// run to the async task that executed the test case.
type Run struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	TaskID      string     `json:"task_id,omitempty"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	Error       string     `json:"error_message,omitempty"`
}

// RunStore handles persistence of schedule run history
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new run store
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, schedule_id, task_id, status, started_at, completed_at, duration_ms, error_message`

// Start records a new run in the given status. Suppressed runs are complete on insert.
func (s *RunStore) Start(ctx context.Context, scheduleID string, status RunStatus, at time.Time, message string) (*Run, error) {
	run := &Run{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		Status:     status,
		StartedAt:  at.UTC().Truncate(time.Second),
		Error:      message,
	}
	if status != RunRunning {
		run.CompletedAt = &run.StartedAt
		zero := int64(0)
		run.DurationMS = &zero
	}

	now := formatTime(time.Now())
	var durationMS sql.NullInt64
	if run.DurationMS != nil {
		durationMS = sql.NullInt64{Int64: *run.DurationMS, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (`+runColumns+`, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, string(run.Status), formatTime(run.StartedAt),
		formatTimePtr(run.CompletedAt), durationMS, nullString(run.Error), now, now)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record run of schedule %s", scheduleID)
	}
	return run, nil
}

// AttachTask links a running run to the task executing it
func (s *RunStore) AttachTask(ctx context.Context, runID, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_runs SET task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, formatTime(time.Now()), runID)
	if err != nil {
		return errors.Wrapf(err, "failed to attach task to run %s", runID)
	}
	return requireRow(res, "run %s", runID)
}

// Complete moves a running run to its final status. Completing a run twice is a no-op.
func (s *RunStore) Complete(ctx context.Context, runID string, status RunStatus, message string, at time.Time) error {
	if status == RunRunning {
		return errors.NewValidationError("cannot complete run %s as running", runID)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_runs
		SET status = ?, completed_at = ?,
		    duration_ms = CAST(ROUND((julianday(?) - julianday(started_at)) * 86400000) AS INTEGER),
		    error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), formatTime(at), formatTime(at), nullString(message), formatTime(time.Now()), runID)
	if err != nil {
		return errors.Wrapf(err, "failed to complete run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a run by ID
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM schedule_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return run, nil
}

// List returns the runs of a schedule newest first, with the total count
// matching the status filter for pagination
func (s *RunStore) List(ctx context.Context, scheduleID string, limit, offset int, status RunStatus) ([]*Run, int, error) {
	base := ` FROM schedule_runs WHERE schedule_id = ?`
	args := []interface{}{scheduleID}
	if status != "" {
		base += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+base, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count runs")
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+base+` ORDER BY started_at DESC, created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to iterate runs")
	}
	return runs, total, nil
}

// Abandon fails every run still marked running. Used at startup, when no
// firing from a previous process can still be in flight.
func (s *RunStore) Abandon(ctx context.Context, message string) (int, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_runs
		SET status = 'failed', completed_at = ?, error_message = ?, updated_at = ?
		WHERE status = 'running'`, now, message, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to abandon running runs")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "failed to read rows affected")
}

// Cleanup deletes finished runs started before the retention window
func (s *RunStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_runs WHERE status != 'running' AND started_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up runs")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "failed to read rows affected")
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status, startedAt string
	var taskID, completedAt, message sql.NullString
	var durationMS sql.NullInt64

	if err := row.Scan(&run.ID, &run.ScheduleID, &taskID, &status, &startedAt, &completedAt, &durationMS, &message); err != nil {
		return nil, err
	}
	run.TaskID = taskID.String
	run.Status = RunStatus(status)
	run.Error = message.String
	if durationMS.Valid {
		d := durationMS.Int64
		run.DurationMS = &d
	}

	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at of run %s", run.ID)
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse completed_at of run %s", run.ID)
	}
	return &run, nil
}
