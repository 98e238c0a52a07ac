package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/notify"
	"github.com/teranos/testpulse/pulse/metrics"
)

var validate = validator.New()

// waitPollInterval bounds how long Wait can miss a dropped subscriber update
const waitPollInterval = 500 * time.Millisecond

// Request asks for one test case to be executed
type Request struct {
	TestCaseID  int64                  `json:"test_case_id" validate:"gt=0"`
	Environment string                 `json:"environment" validate:"max=128"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Timeout     time.Duration          `json:"timeout,omitempty" validate:"gte=0"`
}

// BatchRequest asks for several test cases to be executed with bounded concurrency
type BatchRequest struct {
	TestCaseIDs []int64                `json:"test_case_ids" validate:"required,min=1,dive,gt=0"`
	Environment string                 `json:"environment" validate:"max=128"`
	Params      map[string]interface{} `json:"params,omitempty"`
	MaxWorkers  int                    `json:"max_workers" validate:"gte=0"`
	Timeout     time.Duration          `json:"timeout,omitempty" validate:"gte=0"`
}

// StatusView is the caller-facing state of a task.
// Result holds an *ExecutionResult for single tasks and a *Summary for batches.
type StatusView struct {
	TaskID     string      `json:"task_id"`
	Kind       TaskKind    `json:"kind"`
	Status     TaskStatus  `json:"status"`
	Progress   Progress    `json:"progress"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorCode  ErrorCode   `json:"error_code,omitempty"`
	Superseded bool        `json:"superseded"`
}

// Terminal reports whether the task reached a final state
func (v *StatusView) Terminal() bool {
	return v.Status.Terminal()
}

// PoolStats combines pool, host and task-table statistics
type PoolStats struct {
	SystemMetrics
	Counts map[TaskStatus]int `json:"counts"`
}

// Dispatcher is the entry point for asynchronous test execution
type Dispatcher struct {
	queue  *Queue
	pool   *WorkerPool
	logger *zap.SugaredLogger
}

// NewDispatcher wires a queue and worker pool over db. Call Start to run workers.
func NewDispatcher(ctx context.Context, db *sql.DB, executor Executor, notifier notify.Notifier, cfg WorkerPoolConfig, log *zap.SugaredLogger) *Dispatcher {
	queue := NewQueue(db, cfg.QueueCapacity)
	return &Dispatcher{
		queue:  queue,
		pool:   NewWorkerPool(ctx, queue, executor, notifier, cfg, log),
		logger: logger.AddPulseSymbol(log.Named("dispatch")),
	}
}

// Start recovers orphaned tasks and starts the workers
func (d *Dispatcher) Start() error {
	return d.pool.Start()
}

// Stop drains the workers
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Pool returns the worker pool
func (d *Dispatcher) Pool() *WorkerPool {
	return d.pool
}

// Queue returns the task queue
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

// Dispatch enqueues one execution and returns its task id.
// Failures of the test itself never surface here.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", errors.WrapValidation(err, "invalid dispatch request")
	}

	task := NewSingleTask(req.TestCaseID, req.Environment, req.Params, req.Timeout)
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	metrics.TaskDispatched(string(TaskKindSingle))
	metrics.SetQueueDepth(d.queue.Depth())

	d.logger.Infow("Dispatched test case",
		logger.FieldTaskID, task.ID,
		logger.FieldTestCaseID, req.TestCaseID,
		logger.FieldEnvironment, req.Environment)
	return task.ID, nil
}

// DispatchBatch enqueues a batch parent with one child per test case id.
// The parent result is the pass/fail summary once every child is terminal.
func (d *Dispatcher) DispatchBatch(ctx context.Context, req BatchRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", errors.WrapValidation(err, "invalid batch request")
	}

	parent, children := NewBatchTask(req.TestCaseIDs, req.Environment, req.Params, req.MaxWorkers, req.Timeout)
	if err := d.queue.EnqueueBatch(ctx, parent, children); err != nil {
		return "", err
	}
	metrics.TaskDispatched(string(TaskKindBatch))
	metrics.SetQueueDepth(d.queue.Depth())

	d.logger.Infow("Dispatched batch",
		logger.FieldTaskID, parent.ID,
		logger.FieldCount, len(children),
		logger.FieldWorkers, req.MaxWorkers,
		logger.FieldEnvironment, req.Environment)
	return parent.ID, nil
}

// Status returns the current state of a task without waiting on its execution
func (d *Dispatcher) Status(ctx context.Context, taskID string) (*StatusView, error) {
	task, err := d.queue.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return viewOf(task)
}

func viewOf(task *Task) (*StatusView, error) {
	view := &StatusView{
		TaskID:     task.ID,
		Kind:       task.Kind,
		Status:     task.Status,
		Progress:   task.Progress,
		Error:      task.Error,
		ErrorCode:  task.ErrorCode,
		Superseded: task.Superseded,
	}

	switch task.Kind {
	case TaskKindBatch:
		s, err := task.Summary()
		if err != nil {
			return nil, err
		}
		if s != nil {
			view.Result = s
		}
	default:
		r, err := task.ExecutionResult()
		if err != nil {
			return nil, err
		}
		if r != nil {
			view.Result = r
		}
	}
	return view, nil
}

// Cancel revokes a task. A queued task never runs afterwards; a running task
// is interrupted and whatever result it still produces is kept, flagged superseded.
// Cancelling a batch revokes the parent and every non-terminal child.
// Cancelling a terminal task is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	task, err := d.queue.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	log := d.logger.With(logger.FieldTaskID, taskID)

	if task.Kind == TaskKindBatch {
		children, err := d.queue.ListTasksByParent(ctx, taskID)
		if err != nil {
			return errors.Wrapf(err, "failed to cancel batch %s", taskID)
		}
		revoked := 0
		for _, child := range children {
			if child.Status.Terminal() {
				continue
			}
			if _, ok, err := d.queue.Revoke(ctx, child.ID, "batch cancelled"); err != nil {
				return errors.Wrapf(err, "failed to cancel batch %s", taskID)
			} else if ok {
				revoked++
			}
		}
		if _, _, err := d.queue.Revoke(ctx, taskID, "cancelled"); err != nil {
			return err
		}
		d.pool.Cancel(taskID)
		log.Infow("Batch cancelled", logger.FieldCount, revoked)
		return nil
	}

	_, ok, err := d.queue.Revoke(ctx, taskID, "cancelled")
	if err != nil {
		return err
	}
	if d.pool.Cancel(taskID) {
		log.Infow("Running task cancelled, interrupting execution")
	} else if ok {
		log.Infow("Task revoked before start")
	}
	return nil
}

// Wait blocks until the task is terminal or ctx is done
func (d *Dispatcher) Wait(ctx context.Context, taskID string) (*StatusView, error) {
	sub := d.queue.Subscribe()
	defer d.queue.Unsubscribe(sub)

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		view, err := d.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if view.Terminal() {
			return view, nil
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return view, ctx.Err()
			case t := <-sub:
				if t.ID == taskID {
					break wait
				}
			case <-ticker.C:
				break wait
			}
		}
	}
}

// Stats returns pool, host and task-table statistics
func (d *Dispatcher) Stats(ctx context.Context) (*PoolStats, error) {
	counts, err := d.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &PoolStats{SystemMetrics: d.pool.GetSystemMetrics(ctx), Counts: counts}, nil
}

// List returns tasks matching filter
func (d *Dispatcher) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	return d.queue.ListTasks(ctx, filter)
}

// Cleanup removes terminal tasks completed more than olderThan ago
func (d *Dispatcher) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := d.queue.Cleanup(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Infow("Removed old tasks", logger.FieldCount, n)
	}
	return n, nil
}
