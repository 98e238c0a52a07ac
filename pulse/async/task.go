package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/results"
)

// TaskStatus represents the lifecycle state of an execution task
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"  // Waiting for a worker
	TaskStatusRunning TaskStatus = "running" // Claimed by a worker
	TaskStatusSuccess TaskStatus = "success" // Execution completed and a result was recorded
	TaskStatusFailure TaskStatus = "failure" // Execution could not complete (timeout, worker lost, runner error)
	TaskStatusRevoked TaskStatus = "revoked" // Cancelled by a caller
)

// Terminal reports whether no further transition can happen
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure || s == TaskStatusRevoked
}

// TaskKind distinguishes single executions from batch coordinators
type TaskKind string

const (
	TaskKindSingle TaskKind = "single"
	TaskKindBatch  TaskKind = "batch"
)

// Progress tracks completed children of a batch (0/1 for single tasks)
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Percentage returns completion percentage (0-100)
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// Task is a persisted unit of asynchronous execution.
// A batch is a parent task whose children are single tasks sharing ParentTaskID.
type Task struct {
	ID           string                 `json:"id"`
	Kind         TaskKind               `json:"kind"`
	TestCaseID   int64                  `json:"test_case_id,omitempty"`
	TestCaseIDs  []int64                `json:"test_case_ids,omitempty"`
	ParentTaskID string                 `json:"parent_task_id,omitempty"`
	Environment  string                 `json:"environment"`
	Params       map[string]interface{} `json:"params,omitempty"`
	MaxWorkers   int                    `json:"max_workers,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty"`
	Status       TaskStatus             `json:"status"`
	Superseded   bool                   `json:"superseded"`
	Progress     Progress               `json:"progress"`
	Result       json.RawMessage        `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorCode    ErrorCode              `json:"error_code,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// ExecutionResult is the payload of a finished single task
type ExecutionResult struct {
	Result     results.Outcome `json:"result"`
	ResultID   int64           `json:"result_id,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Message    string          `json:"message,omitempty"`
}

// Summary is the payload of a finished batch task.
// Passed+Failed+Skipped covers every child that was not revoked. A child
// whose script skipped itself ran successfully but neither passed nor failed.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Revoked int `json:"revoked"`
}

// NewSingleTask creates a queued single execution task
func NewSingleTask(testCaseID int64, environment string, params map[string]interface{}, timeout time.Duration) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Kind:        TaskKindSingle,
		TestCaseID:  testCaseID,
		Environment: environment,
		Params:      params,
		Timeout:     timeout,
		Status:      TaskStatusQueued,
		Progress:    Progress{Total: 1},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewBatchTask creates a queued batch parent and one queued child per test case id
func NewBatchTask(testCaseIDs []int64, environment string, params map[string]interface{}, maxWorkers int, timeout time.Duration) (*Task, []*Task) {
	parent := NewSingleTask(0, environment, params, timeout)
	parent.Kind = TaskKindBatch
	parent.TestCaseIDs = append([]int64(nil), testCaseIDs...)
	parent.MaxWorkers = maxWorkers
	parent.Progress = Progress{Total: len(testCaseIDs)}

	children := make([]*Task, 0, len(testCaseIDs))
	for _, id := range testCaseIDs {
		child := NewSingleTask(id, environment, params, timeout)
		child.ParentTaskID = parent.ID
		child.CreatedAt = parent.CreatedAt
		child.UpdatedAt = parent.UpdatedAt
		children = append(children, child)
	}
	return parent, children
}

// ExecutionResult decodes the payload of a finished single task
func (t *Task) ExecutionResult() (*ExecutionResult, error) {
	if t.Kind != TaskKindSingle || len(t.Result) == 0 {
		return nil, nil
	}
	var r ExecutionResult
	if err := json.Unmarshal(t.Result, &r); err != nil {
		return nil, errors.Wrapf(err, "failed to decode result of task %s", t.ID)
	}
	return &r, nil
}

// Summary decodes the payload of a finished batch task
func (t *Task) Summary() (*Summary, error) {
	if t.Kind != TaskKindBatch || len(t.Result) == 0 {
		return nil, nil
	}
	var s Summary
	if err := json.Unmarshal(t.Result, &s); err != nil {
		return nil, errors.Wrapf(err, "failed to decode summary of task %s", t.ID)
	}
	return &s, nil
}

// Message returns the self-contained queue message for this task
func (t *Task) Message() TaskMessage {
	return TaskMessage{
		TaskID:       t.ID,
		Kind:         t.Kind,
		ParentTaskID: t.ParentTaskID,
		TestCaseID:   t.TestCaseID,
		TestCaseIDs:  t.TestCaseIDs,
		Environment:  t.Environment,
		Params:       t.Params,
		Timeout:      t.Timeout,
		MaxWorkers:   t.MaxWorkers,
	}
}

// TaskMessage is what travels through the in-memory FIFO.
// It carries everything a worker needs to execute without reading ambient state.
type TaskMessage struct {
	TaskID       string
	Kind         TaskKind
	ParentTaskID string
	TestCaseID   int64
	TestCaseIDs  []int64
	Environment  string
	Params       map[string]interface{}
	Timeout      time.Duration
	MaxWorkers   int
}

// summarize folds terminal children into a batch summary
func summarize(children []*Task) Summary {
	s := Summary{Total: len(children)}
	for _, child := range children {
		if child.Status == TaskStatusRevoked {
			s.Revoked++
			continue
		}
		res, err := child.ExecutionResult()
		if child.Status == TaskStatusSuccess && err == nil && res != nil {
			switch res.Result {
			case results.Pass:
				s.Passed++
				continue
			case results.Skip:
				s.Skipped++
				continue
			}
		}
		s.Failed++
	}
	return s
}
