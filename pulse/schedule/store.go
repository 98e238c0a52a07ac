package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/testpulse/errors"
)

// DueBatchLimit caps how many due schedules one tick fires
const DueBatchLimit = 100

// Store handles persistence of test schedules.
// Timestamps are stored as RFC3339 UTC text so next_run_at compares lexically.
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Filter narrows List
type Filter struct {
	TestCaseID     int64
	EnabledOnly    bool
	IncludeRemoved bool
}

const scheduleColumns = `
	id, name, test_case_id, schedule_type, schedule_expression, environment,
	execution_parameters, enabled, active, next_run_at, last_run_at,
	last_run_status, last_task_id, created_at, updated_at`

// Create inserts a new schedule
func (s *Store) Create(ctx context.Context, sc *Schedule) error {
	params, err := encodeParams(sc.Parameters)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.TestCaseID, string(sc.Type), sc.Expression, sc.Environment,
		params, sc.Enabled, sc.Active, formatTimePtr(sc.NextRunAt), formatTimePtr(sc.LastRunAt),
		nullString(string(sc.LastRunStatus)), nullString(sc.LastTaskID),
		formatTime(sc.CreatedAt), formatTime(sc.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create schedule %s", sc.ID)
	}
	return nil
}

// Get retrieves a schedule by ID, removed ones included
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM test_schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sc, nil
}

// Save writes every mutable column of sc
func (s *Store) Save(ctx context.Context, sc *Schedule) error {
	params, err := encodeParams(sc.Parameters)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_schedules
		SET name = ?, test_case_id = ?, schedule_type = ?, schedule_expression = ?,
		    environment = ?, execution_parameters = ?, enabled = ?, active = ?,
		    next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		sc.Name, sc.TestCaseID, string(sc.Type), sc.Expression,
		sc.Environment, params, sc.Enabled, sc.Active,
		formatTimePtr(sc.NextRunAt), formatTime(sc.UpdatedAt),
		sc.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save schedule %s", sc.ID)
	}
	return requireRow(res, "schedule %s", sc.ID)
}

// List returns schedules ordered by creation time
func (s *Store) List(ctx context.Context, f Filter) ([]*Schedule, error) {
	var where []string
	var args []interface{}
	if !f.IncludeRemoved {
		where = append(where, "active = 1")
	}
	if f.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	if f.TestCaseID > 0 {
		where = append(where, "test_case_id = ?")
		args = append(args, f.TestCaseID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM test_schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	return s.query(ctx, query, args...)
}

// ListDue returns firing schedules whose next_run_at is at or before now,
// oldest first
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return s.query(ctx, `
		SELECT `+scheduleColumns+`
		FROM test_schedules
		WHERE enabled = 1 AND active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`, formatTime(now), DueBatchLimit)
}

// NextDue returns the firing schedule with the earliest next_run_at, or nil
func (s *Store) NextDue(ctx context.Context) (*Schedule, error) {
	rows, err := s.query(ctx, `
		SELECT `+scheduleColumns+`
		FROM test_schedules
		WHERE enabled = 1 AND active = 1 AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC
		LIMIT 1`)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Advance records a firing at firedAt and moves next_run_at forward.
// A nil next keeps the stored next_run_at.
func (s *Store) Advance(ctx context.Context, id string, firedAt time.Time, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_schedules
		SET last_run_at = ?, next_run_at = COALESCE(?, next_run_at), updated_at = ?
		WHERE id = ?`,
		formatTime(firedAt), formatTimePtr(next), formatTime(time.Now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to advance schedule %s", id)
	}
	return requireRow(res, "schedule %s", id)
}

// AdvanceDue is Advance for a timed firing: it only applies while the
// schedule is still enabled, active and due at firedAt. ok is false when the
// schedule was paused, deactivated, deleted or already advanced since it was
// listed.
func (s *Store) AdvanceDue(ctx context.Context, id string, firedAt time.Time, next *time.Time) (ok bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_schedules
		SET last_run_at = ?, next_run_at = COALESCE(?, next_run_at), updated_at = ?
		WHERE id = ? AND enabled = 1 AND active = 1
		  AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		formatTime(firedAt), formatTimePtr(next), formatTime(time.Now()), id, formatTime(firedAt))
	if err != nil {
		return false, errors.Wrapf(err, "failed to advance schedule %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n > 0, nil
}

// SetLastRun records the status of the most recent firing.
// An empty taskID keeps the stored one.
func (s *Store) SetLastRun(ctx context.Context, id string, status LastRunStatus, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_schedules
		SET last_run_status = ?, last_task_id = COALESCE(?, last_task_id), updated_at = ?
		WHERE id = ?`,
		string(status), nullString(taskID), formatTime(time.Now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to record last run of schedule %s", id)
	}
	return requireRow(res, "schedule %s", id)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		out = append(out, sc)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate schedules")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	var typ, createdAt, updatedAt string
	var params, nextRunAt, lastRunAt, lastStatus, lastTask sql.NullString

	err := row.Scan(
		&sc.ID, &sc.Name, &sc.TestCaseID, &typ, &sc.Expression, &sc.Environment,
		&params, &sc.Enabled, &sc.Active, &nextRunAt, &lastRunAt,
		&lastStatus, &lastTask, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sc.Type = Type(typ)
	sc.LastRunStatus = LastRunStatus(lastStatus.String)
	sc.LastTaskID = lastTask.String

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &sc.Parameters); err != nil {
			return nil, errors.Wrapf(err, "failed to parse execution_parameters of schedule %s", sc.ID)
		}
	}

	// A timestamp that does not parse means the row was written by something else
	if sc.NextRunAt, err = parseTimePtr(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at of schedule %s", sc.ID)
	}
	if sc.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_run_at of schedule %s", sc.ID)
	}
	if sc.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at of schedule %s", sc.ID)
	}
	if sc.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at of schedule %s", sc.ID)
	}
	return &sc, nil
}

func encodeParams(p map[string]interface{}) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, errors.WrapValidation(err, "execution_parameters must be JSON encodable")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func requireRow(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError(format, args...)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
