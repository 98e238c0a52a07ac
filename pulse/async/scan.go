package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/testpulse/errors"
)

// StandardTaskSelectColumns is the column list matching GetTaskScanTargets
const StandardTaskSelectColumns = `id, kind, test_case_id, test_case_ids, parent_task_id, environment,
		params, max_workers, timeout_seconds, status, superseded, progress_current, progress_total,
		result, error, error_code, created_at, started_at, completed_at, updated_at`

// TaskScanArgs holds the nullable intermediates needed to scan a task row
type TaskScanArgs struct {
	TestCaseID     sql.NullInt64
	TestCaseIDs    sql.NullString
	ParentTaskID   sql.NullString
	Params         sql.NullString
	TimeoutSeconds int64
	Result         sql.NullString
	ErrorMsg       sql.NullString
	ErrorCode      sql.NullString
	StartedAt      sql.NullTime
	CompletedAt    sql.NullTime
}

// GetTaskScanArgs returns a TaskScanArgs ready for scanning
func GetTaskScanArgs() *TaskScanArgs {
	return &TaskScanArgs{}
}

// GetTaskScanTargets returns scan destinations in StandardTaskSelectColumns order
func GetTaskScanTargets(task *Task, args *TaskScanArgs) []interface{} {
	return []interface{}{
		&task.ID,
		&task.Kind,
		&args.TestCaseID,
		&args.TestCaseIDs,
		&args.ParentTaskID,
		&task.Environment,
		&args.Params,
		&task.MaxWorkers,
		&args.TimeoutSeconds,
		&task.Status,
		&task.Superseded,
		&task.Progress.Current,
		&task.Progress.Total,
		&args.Result,
		&args.ErrorMsg,
		&args.ErrorCode,
		&task.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&task.UpdatedAt,
	}
}

// ProcessTaskScanArgs moves scanned intermediates onto the task
func ProcessTaskScanArgs(task *Task, args *TaskScanArgs) error {
	if args.TestCaseID.Valid {
		task.TestCaseID = args.TestCaseID.Int64
	}
	if args.TestCaseIDs.Valid && args.TestCaseIDs.String != "" {
		if err := json.Unmarshal([]byte(args.TestCaseIDs.String), &task.TestCaseIDs); err != nil {
			return errors.Wrapf(err, "failed to decode test_case_ids of task %s", task.ID)
		}
	}
	if args.ParentTaskID.Valid {
		task.ParentTaskID = args.ParentTaskID.String
	}
	if args.Params.Valid && args.Params.String != "" {
		if err := json.Unmarshal([]byte(args.Params.String), &task.Params); err != nil {
			return errors.Wrapf(err, "failed to decode params of task %s", task.ID)
		}
	}
	task.Timeout = time.Duration(args.TimeoutSeconds) * time.Second
	if args.Result.Valid && args.Result.String != "" {
		task.Result = json.RawMessage(args.Result.String)
	}
	if args.ErrorMsg.Valid {
		task.Error = args.ErrorMsg.String
	}
	if args.ErrorCode.Valid {
		task.ErrorCode = ErrorCode(args.ErrorCode.String)
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		task.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	args := GetTaskScanArgs()
	if err := row.Scan(GetTaskScanTargets(task, args)...); err != nil {
		return nil, err
	}
	if err := ProcessTaskScanArgs(task, args); err != nil {
		return nil, err
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate tasks")
	}
	return tasks, nil
}
