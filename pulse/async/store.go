package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/testpulse/errors"
)

// Store handles persistence of execution tasks.
// Every status change is a guarded UPDATE so concurrent writers cannot
// move a task out of a state it already left.
type Store struct {
	db *sql.DB
}

// NewStore creates a new task store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// TaskFilter narrows List
type TaskFilter struct {
	Status       *TaskStatus
	ParentTaskID string
	TopLevelOnly bool // exclude batch children
	Limit        int
}

const insertTaskQuery = `
	INSERT INTO execution_tasks (
		id, kind, test_case_id, test_case_ids, parent_task_id, environment,
		params, max_workers, timeout_seconds, status, superseded,
		progress_current, progress_total, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertTask(ctx context.Context, ex execer, task *Task) error {
	testCaseID := sql.NullInt64{Int64: task.TestCaseID, Valid: task.TestCaseID != 0}
	parentID := sql.NullString{String: task.ParentTaskID, Valid: task.ParentTaskID != ""}

	var ids, params sql.NullString
	if len(task.TestCaseIDs) > 0 {
		b, err := json.Marshal(task.TestCaseIDs)
		if err != nil {
			return errors.Wrap(err, "failed to marshal test_case_ids")
		}
		ids = sql.NullString{String: string(b), Valid: true}
	}
	if len(task.Params) > 0 {
		b, err := json.Marshal(task.Params)
		if err != nil {
			return errors.Wrap(err, "failed to marshal params")
		}
		params = sql.NullString{String: string(b), Valid: true}
	}

	_, err := ex.ExecContext(ctx, insertTaskQuery,
		task.ID,
		task.Kind,
		testCaseID,
		ids,
		parentID,
		task.Environment,
		params,
		task.MaxWorkers,
		int64(task.Timeout/time.Second),
		task.Status,
		task.Progress.Current,
		task.Progress.Total,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create task %s", task.ID)
	}
	return nil
}

// CreateTask inserts a single task
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	return insertTask(ctx, s.db, task)
}

// CreateBatch inserts a batch parent and its children atomically
func (s *Store) CreateBatch(ctx context.Context, parent *Task, children []*Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin batch transaction")
	}
	defer tx.Rollback()

	if err := insertTask(ctx, tx, parent); err != nil {
		return err
	}
	for _, child := range children {
		if err := insertTask(ctx, tx, child); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit batch")
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns + ` FROM execution_tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get task %s", id)
	}
	return task, nil
}

// ListTasks returns tasks matching filter, oldest first
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + StandardTaskSelectColumns + ` FROM execution_tasks`
	var conds []string
	var args []interface{}

	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.ParentTaskID != "" {
		conds = append(conds, "parent_task_id = ?")
		args = append(args, filter.ParentTaskID)
	}
	if filter.TopLevelOnly {
		conds = append(conds, "parent_task_id IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	return scanTasks(rows)
}

// MarkRunning moves a queued task to running. Returns false when the task was
// no longer queued (revoked, or claimed by another worker).
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_tasks
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskStatusRunning, at, at, id, TaskStatusQueued)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark task %s running", id)
	}
	return affected(res)
}

// Completion carries the terminal fields written by MarkTerminal and MarkSuperseded
type Completion struct {
	Status    TaskStatus
	Result    json.RawMessage
	Error     string
	ErrorCode ErrorCode
	At        time.Time
}

// MarkTerminal moves a task whose status is one of from to c.Status.
// Returns false when the guard did not match.
func (s *Store) MarkTerminal(ctx context.Context, id string, c Completion, from ...TaskStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.NewValidationError("MarkTerminal needs at least one source status")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := `
		UPDATE execution_tasks
		SET status = ?, result = COALESCE(?, result), error = ?, error_code = ?,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders + `)`

	args := []interface{}{c.Status, nullJSON(c.Result), nullString(c.Error), nullString(string(c.ErrorCode)), c.At, c.At, id}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark task %s %s", id, c.Status)
	}
	return affected(res)
}

// MarkSuperseded attaches the result of an execution that completed after its
// task was revoked. The status stays revoked.
func (s *Store) MarkSuperseded(ctx context.Context, id string, result json.RawMessage, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_tasks
		SET superseded = 1, result = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		nullJSON(result), at, id, TaskStatusRevoked)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark task %s superseded", id)
	}
	return affected(res)
}

// UpdateProgress records how many children of a batch have finished
func (s *Store) UpdateProgress(ctx context.Context, id string, current, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_tasks SET progress_current = ?, progress_total = ?, updated_at = ?
		WHERE id = ?`,
		current, total, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update progress of task %s", id)
	}
	return nil
}

// CountByStatus returns the number of tasks in each status
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM execution_tasks GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count tasks")
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan task count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate task counts")
	}
	return counts, nil
}

// DeleteTerminalBefore removes top-level terminal tasks completed before cutoff.
// Batch children go with their parent (ON DELETE CASCADE).
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM execution_tasks
		WHERE parent_task_id IS NULL
		  AND status IN (?, ?, ?)
		  AND completed_at IS NOT NULL AND completed_at < ?`,
		TaskStatusSuccess, TaskStatusFailure, TaskStatusRevoked, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old tasks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read deleted task count")
	}
	return int(n), nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
