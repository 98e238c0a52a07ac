package results

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/testpulse/errors"
)

// ErrAlreadyFinalized is returned when a placeholder is finalized a second time.
var ErrAlreadyFinalized = errors.Mark(errors.New("result already finalized"), errors.ErrConflict)

// Store handles persistence of execution results
type Store struct {
	db *sql.DB
}

// NewStore creates a new result store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, test_case_id, task_id, environment, result, executed_at, execution_duration_ms, error_message, cancelled`

// Record appends a finished result.
func (s *Store) Record(ctx context.Context, r *Result) error {
	if !r.Outcome.Final() {
		return errors.NewValidationError("cannot record outcome %q as a finished result", r.Outcome)
	}
	return s.insert(ctx, r)
}

// StartRunning appends an in-flight placeholder for testCaseID.
func (s *Store) StartRunning(ctx context.Context, testCaseID int64, taskID, environment string, at time.Time) (*Result, error) {
	r := &Result{
		TestCaseID:  testCaseID,
		TaskID:      taskID,
		Environment: environment,
		Outcome:     Running,
		ExecutedAt:  at,
	}
	if err := s.insert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) insert(ctx context.Context, r *Result) error {
	if r.TestCaseID <= 0 {
		return errors.NewValidationError("test case id must be positive, got %d", r.TestCaseID)
	}
	if r.ExecutedAt.IsZero() {
		r.ExecutedAt = time.Now()
	}
	r.ExecutedAt = r.ExecutedAt.UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_results (test_case_id, task_id, environment, result, executed_at, execution_duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.TestCaseID,
		nullString(r.TaskID),
		r.Environment,
		string(r.Outcome),
		r.ExecutedAt,
		r.Duration.Milliseconds(),
		nullString(r.ErrorMessage),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert execution result")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read execution result id")
	}
	r.ID = id
	return nil
}

// Finalize turns the running placeholder id into a finished result.
// A placeholder is finalized exactly once; later calls return ErrAlreadyFinalized.
func (s *Store) Finalize(ctx context.Context, id int64, outcome Outcome, duration time.Duration, errorMessage string) error {
	if !outcome.Final() {
		return errors.NewValidationError("cannot finalize with outcome %q", outcome)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_results
		SET result = ?, execution_duration_ms = ?, error_message = ?
		WHERE id = ? AND result = ?`,
		string(outcome), duration.Milliseconds(), nullString(errorMessage), id, string(Running))
	if err != nil {
		return errors.Wrapf(err, "failed to finalize execution result %d", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(ErrAlreadyFinalized, "execution result %d", id)
}

// FinalizeCancelled finalizes the running placeholder id of an execution a
// cancel interrupted. The row is kept for its task but is excluded from
// Latest, Recent and PassRate.
func (s *Store) FinalizeCancelled(ctx context.Context, id int64, duration time.Duration, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_results
		SET result = ?, execution_duration_ms = ?, error_message = ?, cancelled = 1
		WHERE id = ? AND result = ?`,
		string(Error), duration.Milliseconds(), nullString(errorMessage), id, string(Running))
	if err != nil {
		return errors.Wrapf(err, "failed to finalize cancelled execution result %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(ErrAlreadyFinalized, "execution result %d", id)
}

// FinalizeTask finalizes every placeholder still running for taskID.
// Used when a task is rejected without its runner reporting back.
func (s *Store) FinalizeTask(ctx context.Context, taskID string, outcome Outcome, errorMessage string) (int, error) {
	if !outcome.Final() {
		return 0, errors.NewValidationError("cannot finalize with outcome %q", outcome)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_results
		SET result = ?, error_message = ?
		WHERE task_id = ? AND result = ?`,
		string(outcome), nullString(errorMessage), taskID, string(Running))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to finalize results of task %s", taskID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// Get returns one result by id.
func (s *Store) Get(ctx context.Context, id int64) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM execution_results WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution result %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution result %d", id)
	}
	return r, nil
}

// Latest returns the most recently appended result for testCaseID, in-flight
// placeholders included and cancelled executions excluded. Returns nil, nil
// when the test case has no history.
func (s *Store) Latest(ctx context.Context, testCaseID int64) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM execution_results
		WHERE test_case_id = ? AND cancelled = 0
		ORDER BY id DESC
		LIMIT 1`, testCaseID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get latest result of test case %d", testCaseID)
	}
	return r, nil
}

// Recent returns up to n finished, non-cancelled results for testCaseID,
// newest first.
func (s *Store) Recent(ctx context.Context, testCaseID int64, n int) ([]*Result, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM execution_results
		WHERE test_case_id = ? AND result != ? AND cancelled = 0
		ORDER BY id DESC
		LIMIT ?`, testCaseID, string(Running), n)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list recent results of test case %d", testCaseID)
	}
	defer rows.Close()
	return scanResults(rows)
}

// ByTask returns every result a task produced, oldest first.
func (s *Store) ByTask(ctx context.Context, taskID string) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM execution_results
		WHERE task_id = ?
		ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list results of task %s", taskID)
	}
	defer rows.Close()
	return scanResults(rows)
}

// PassRate returns passed/total over the most recent n finished results and the
// sample size used. Fewer than n results uses what exists; no history is 0.0.
func (s *Store) PassRate(ctx context.Context, testCaseID int64, n int) (float64, int, error) {
	recent, err := s.Recent(ctx, testCaseID, n)
	if err != nil {
		return 0, 0, err
	}
	return ComputePassRate(recent), len(recent), nil
}

// ComputePassRate is passed/total over rs; an empty slice yields 0.0.
func ComputePassRate(rs []*Result) float64 {
	if len(rs) == 0 {
		return 0
	}
	passed := 0
	for _, r := range rs {
		if r.Outcome == Pass {
			passed++
		}
	}
	return float64(passed) / float64(len(rs))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row scanner) (*Result, error) {
	var r Result
	var taskID, errorMessage sql.NullString
	var outcome string
	var durationMS int64

	if err := row.Scan(&r.ID, &r.TestCaseID, &taskID, &r.Environment, &outcome, &r.ExecutedAt, &durationMS, &errorMessage, &r.Cancelled); err != nil {
		return nil, err
	}

	r.Outcome = Outcome(outcome)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.TaskID = taskID.String
	r.ErrorMessage = errorMessage.String
	return &r, nil
}

func scanResults(rows *sql.Rows) ([]*Result, error) {
	var out []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution result")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating execution results")
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
