package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/testpulse/errors"
)

const (
	// DefaultQueueCapacity is the maximum number of task messages waiting for a worker
	DefaultQueueCapacity = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// ErrorCodeQueueFull marks tasks rejected at dispatch because the FIFO was full
const ErrorCodeQueueFull ErrorCode = "queue_full"

// Queue couples the persisted task table with the in-memory FIFO workers consume.
// Status transitions go through the queue so subscribers see every change.
type Queue struct {
	store       *Store
	msgs        chan TaskMessage
	pending     map[string]struct{} // ids with a message in msgs
	mu          sync.RWMutex
	subscribers []chan *Task
}

// NewQueue creates a task queue holding at most capacity pending messages
func NewQueue(db *sql.DB, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		store:       NewStore(db),
		msgs:        make(chan TaskMessage, capacity),
		pending:     make(map[string]struct{}),
		subscribers: make([]chan *Task, 0),
	}
}

// Store exposes the underlying task store
func (q *Queue) Store() *Store {
	return q.store
}

// Messages is the FIFO workers read from
func (q *Queue) Messages() <-chan TaskMessage {
	return q.msgs
}

// Depth returns the number of messages waiting for a worker
func (q *Queue) Depth() int {
	return len(q.msgs)
}

// Enqueue persists a single task and hands its message to the FIFO
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateTask(ctx, task); err != nil {
		err = errors.Wrap(err, "failed to enqueue task")
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", task.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Test case: %d", task.TestCaseID))
		return err
	}
	q.notifySubscribers(task)

	return q.pushLocked(ctx, task)
}

// EnqueueBatch persists a batch parent with its children and hands the parent
// message to the FIFO. Children are run by the worker that picks up the parent.
func (q *Queue) EnqueueBatch(ctx context.Context, parent *Task, children []*Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateBatch(ctx, parent, children); err != nil {
		err = errors.Wrap(err, "failed to enqueue batch")
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", parent.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Children: %d", len(children)))
		return err
	}
	q.notifySubscribers(parent)

	return q.pushLocked(ctx, parent)
}

// Requeue hands the message of an already persisted queued task back to the
// FIFO. A task that already has a message waiting is left alone.
func (q *Queue) Requeue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[task.ID]; ok {
		return nil
	}
	return q.pushLocked(ctx, task)
}

// Adopt requeues every persisted top-level queued task that has no message in
// this process, such as tasks dispatched by another process sharing the database.
func (q *Queue) Adopt(ctx context.Context) (int, error) {
	queued := TaskStatusQueued
	tasks, err := q.store.ListTasks(ctx, TaskFilter{Status: &queued, TopLevelOnly: true})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list queued tasks")
	}

	adopted := 0
	for _, task := range tasks {
		q.mu.Lock()
		_, known := q.pending[task.ID]
		var pushErr error
		if !known {
			pushErr = q.pushLocked(ctx, task)
		}
		q.mu.Unlock()

		if pushErr != nil {
			return adopted, pushErr
		}
		if !known {
			adopted++
		}
	}
	return adopted, nil
}

// pushLocked never blocks: a full FIFO fails the task instead of stalling the caller.
// REQUIRES: q.mu held for writing.
func (q *Queue) pushLocked(ctx context.Context, task *Task) error {
	select {
	case q.msgs <- task.Message():
		q.pending[task.ID] = struct{}{}
		return nil
	default:
	}

	full := errors.Mark(errors.Newf("task queue full (%d pending)", cap(q.msgs)), errors.ErrServiceUnavailable)
	c := Completion{Status: TaskStatusFailure, Error: full.Error(), ErrorCode: ErrorCodeQueueFull, At: time.Now().UTC()}
	if _, err := q.store.MarkTerminal(ctx, task.ID, c, TaskStatusQueued); err != nil {
		return errors.WithSecondaryError(full, err)
	}
	q.notifyByID(ctx, task.ID)
	return errors.WithDetail(full, fmt.Sprintf("Task ID: %s", task.ID))
}

// Claim moves a queued task to running. ok is false when the task is no
// longer queued, which is how revoked tasks are skipped.
func (q *Queue) Claim(ctx context.Context, id string) (task *Task, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.pending, id)
	ok, err = q.store.MarkRunning(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, false, errors.WithDetail(err, fmt.Sprintf("Task ID: %s", id))
	}
	task, err = q.store.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if ok {
		q.notifySubscribers(task)
	}
	return task, ok, nil
}

// Complete finishes a running task. If the task was revoked while it ran, the
// result is kept on the revoked task and it is flagged superseded.
func (q *Queue) Complete(ctx context.Context, id string, c Completion) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}

	ok, err := q.store.MarkTerminal(ctx, id, c, TaskStatusRunning)
	if err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", id))
		return nil, errors.WithDetail(err, fmt.Sprintf("Target status: %s", c.Status))
	}

	if !ok {
		current, err := q.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status != TaskStatusRevoked {
			err := errors.NewConflictError("task %s is not running (status: %s)", id, current.Status)
			return nil, errors.WithDetail(err, fmt.Sprintf("Target status: %s", c.Status))
		}
		if _, err := q.store.MarkSuperseded(ctx, id, c.Result, c.At); err != nil {
			return nil, err
		}
	}

	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	q.notifySubscribers(task)
	return task, nil
}

// Revoke cancels a queued or running task. ok is false when the task was
// already terminal.
func (q *Queue) Revoke(ctx context.Context, id string, reason string) (task *Task, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Completion{Status: TaskStatusRevoked, Error: reason, ErrorCode: ErrorCodeCancelled, At: time.Now().UTC()}
	ok, err = q.store.MarkTerminal(ctx, id, c, TaskStatusQueued, TaskStatusRunning)
	if err != nil {
		return nil, false, errors.WithDetail(err, fmt.Sprintf("Task ID: %s", id))
	}
	task, err = q.store.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if ok {
		q.notifySubscribers(task)
	}
	return task, ok, nil
}

// Reject fails a queued or running task that will never produce a result
// (lost worker, interrupted shutdown). ok is false when the task was already terminal.
func (q *Queue) Reject(ctx context.Context, id string, cause error) (task *Task, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ec := ClassifyError("reject", cause)
	c := Completion{Status: TaskStatusFailure, Error: ec.Message, ErrorCode: ec.Code, At: time.Now().UTC()}
	ok, err = q.store.MarkTerminal(ctx, id, c, TaskStatusQueued, TaskStatusRunning)
	if err != nil {
		return nil, false, errors.WithDetail(err, fmt.Sprintf("Task ID: %s", id))
	}
	task, err = q.store.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if ok {
		q.notifySubscribers(task)
	}
	return task, ok, nil
}

// SetProgress records batch progress
func (q *Queue) SetProgress(ctx context.Context, id string, current, total int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateProgress(ctx, id, current, total); err != nil {
		return err
	}
	q.notifyByID(ctx, id)
	return nil
}

// GetTask retrieves a task by ID
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching filter
func (q *Queue) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListTasks(ctx, filter)
}

// ListTasksByParent returns the children of a batch in creation order
func (q *Queue) ListTasksByParent(ctx context.Context, parentTaskID string) ([]*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListTasks(ctx, TaskFilter{ParentTaskID: parentTaskID})
}

// Counts returns the number of tasks per status
func (q *Queue) Counts(ctx context.Context) (map[TaskStatus]int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.CountByStatus(ctx)
}

// Cleanup removes terminal tasks completed more than olderThan ago
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.DeleteTerminalBefore(ctx, time.Now().Add(-olderThan))
}

// Subscribe returns a channel that receives task updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Task, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed.
func (q *Queue) Unsubscribe(ch chan *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a task update to every subscriber without blocking.
// REQUIRES: q.mu must be held by caller.
func (q *Queue) notifySubscribers(task *Task) {
	for _, ch := range q.subscribers {
		select {
		case ch <- task:
		default:
			// Subscriber is slow; Wait falls back to polling
		}
	}
}

// notifyByID reloads a task and notifies subscribers. REQUIRES: q.mu held.
func (q *Queue) notifyByID(ctx context.Context, id string) {
	if len(q.subscribers) == 0 {
		return
	}
	if task, err := q.store.GetTask(ctx, id); err == nil {
		q.notifySubscribers(task)
	}
}
