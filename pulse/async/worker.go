package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teranos/testpulse/am"
	"github.com/teranos/testpulse/db"
	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/notify"
	"github.com/teranos/testpulse/pulse/metrics"
	"github.com/teranos/testpulse/results"
)

const (
	// MaxOrphanedTasksToRecover limits how many tasks left behind by a dead
	// process are examined on startup
	MaxOrphanedTasksToRecover = 1000
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
	base *zap.SugaredLogger // without the ꩜ symbol
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.base).Debugw(msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.base).Warnw(msg, keysAndValues...)
}

func newPulseLogger(base *zap.SugaredLogger) pulseLogger {
	return pulseLogger{SugaredLogger: logger.AddPulseSymbol(base), base: base}
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Execution is everything an Executor needs to run one test case
type Execution struct {
	TaskID         string
	ParentTaskID   string
	TestCaseID     int64
	Environment    string
	Params         map[string]interface{}
	Timeout        time.Duration // explicit per-request limit, 0 defers to the script or DefaultTimeout
	DefaultTimeout time.Duration
	KillGrace      time.Duration // time between the interrupt and the hard kill
}

// ExecutionOutcome is what an Executor recorded for one run
type ExecutionOutcome struct {
	Result   results.Outcome
	ResultID int64
	Duration time.Duration
	Message  string
}

// Executor runs a test case for a task.
// Execute returns an error only when the execution could not complete
// (timeout, unresolvable script, runner failure); a failing test is a
// successful execution with a Fail outcome. Abandon finalizes anything the
// executor left in flight for a task whose worker was lost.
type Executor interface {
	Execute(ctx context.Context, exec *Execution) (*ExecutionOutcome, error)
	Abandon(ctx context.Context, taskID string, cause error) error
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers            int           `json:"workers"`               // Number of concurrent workers
	QueueCapacity      int           `json:"queue_capacity"`        // Pending messages before dispatch is rejected
	DefaultTimeout     time.Duration `json:"default_timeout"`       // Hard wall-clock limit per execution
	SoftTimeout        time.Duration `json:"soft_timeout"`          // Interrupt point before the hard limit (0 = none)
	MaxStartsPerSecond float64       `json:"max_starts_per_second"` // 0 = unlimited
	ShutdownTimeout    time.Duration `json:"shutdown_timeout"`      // How long Stop lets in-flight executions finish
	AdoptInterval      time.Duration `json:"adopt_interval"`        // Rescan for tasks queued by other processes (0 = only at start)
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         am.DefaultWorkers,
		QueueCapacity:   DefaultQueueCapacity,
		DefaultTimeout:  am.DefaultTimeoutSeconds * time.Second,
		SoftTimeout:     am.DefaultSoftTimeoutSeconds * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerPoolConfigFromAM builds pool configuration from the loaded config
func WorkerPoolConfigFromAM(cfg *am.Config) WorkerPoolConfig {
	pc := DefaultWorkerPoolConfig()
	pc.Workers = cfg.Pulse.Workers
	if cfg.Pulse.QueueCapacity > 0 {
		pc.QueueCapacity = cfg.Pulse.QueueCapacity
	}
	if cfg.Pulse.DefaultTimeoutSeconds > 0 {
		pc.DefaultTimeout = time.Duration(cfg.Pulse.DefaultTimeoutSeconds) * time.Second
	}
	pc.SoftTimeout = time.Duration(cfg.Pulse.SoftTimeoutSeconds) * time.Second
	pc.MaxStartsPerSecond = cfg.Pulse.MaxStartsPerSecond
	pc.AdoptInterval = time.Duration(cfg.Pulse.TickerIntervalSeconds) * time.Second
	return pc
}

// KillGrace is the window between the soft and the hard timeout
func (c WorkerPoolConfig) KillGrace() time.Duration {
	if c.SoftTimeout <= 0 || c.SoftTimeout >= c.DefaultTimeout {
		return 0
	}
	return c.DefaultTimeout - c.SoftTimeout
}

// WorkerPool runs task messages from the queue on a fixed set of goroutines
type WorkerPool struct {
	queue    *Queue
	executor Executor
	notifier notify.Notifier
	config   WorkerPoolConfig
	limiter  *rate.Limiter

	parentCtx    context.Context
	intakeCtx    context.Context // cancelled first on Stop: no new messages are taken
	intakeCancel context.CancelFunc
	execCtx      context.Context // cancelled when Stop gives up waiting for in-flight executions
	execCancel   context.CancelFunc

	wg            sync.WaitGroup
	mu            sync.Mutex
	running       map[string]context.CancelFunc
	activeWorkers int
	started       bool
	startTime     time.Time
	logger        pulseLogger
}

// NewWorkerPool creates a worker pool over queue. notifier may be nil.
func NewWorkerPool(ctx context.Context, queue *Queue, executor Executor, notifier notify.Notifier, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = am.DefaultTimeoutSeconds * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	wp := &WorkerPool{
		queue:     queue,
		executor:  executor,
		notifier:  notifier,
		config:    cfg,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		parentCtx: ctx,
		running:   make(map[string]context.CancelFunc),
		logger:    newPulseLogger(log.Named("pulse")),
	}
	wp.SetStartRate(cfg.MaxStartsPerSecond)
	return wp
}

// SetStartRate limits how many executions may start per second (0 = unlimited)
func (wp *WorkerPool) SetStartRate(perSecond float64) {
	wp.mu.Lock()
	wp.config.MaxStartsPerSecond = perSecond
	wp.mu.Unlock()

	if perSecond <= 0 {
		wp.limiter.SetLimit(rate.Inf)
		return
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	wp.limiter.SetBurst(burst)
	wp.limiter.SetLimit(rate.Limit(perSecond))
}

// SetDefaultTimeout changes the limit applied to executions that start after the call
func (wp *WorkerPool) SetDefaultTimeout(timeout, soft time.Duration) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if timeout > 0 {
		wp.config.DefaultTimeout = timeout
	}
	wp.config.SoftTimeout = soft
}

// Config returns the current pool configuration
func (wp *WorkerPool) Config() WorkerPoolConfig {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.config
}

// Start recovers tasks left behind by a previous process and spawns the workers
// ✿ Opening: orphaned running tasks are rejected, orphaned queued tasks re-enqueued
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	if wp.started {
		wp.mu.Unlock()
		return errors.NewConflictError("worker pool already started")
	}
	wp.intakeCtx, wp.intakeCancel = context.WithCancel(wp.parentCtx)
	wp.execCtx, wp.execCancel = context.WithCancel(wp.parentCtx)
	wp.started = true
	wp.startTime = time.Now()
	workers := wp.config.Workers
	wp.mu.Unlock()

	if err := wp.recoverOrphanedTasks(wp.intakeCtx); err != nil {
		wp.logger.Warnw("Failed to recover orphaned tasks", logger.FieldError, err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, logger.FieldWorkers, workers)
	}

	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	if interval := wp.config.AdoptInterval; interval > 0 {
		wp.wg.Add(1)
		go wp.adoptLoop(interval)
	}
	wp.logger.Starting("Worker pool started", logger.FieldWorkers, workers)
	return nil
}

// Stop stops taking new messages, lets in-flight executions finish for up to
// ShutdownTimeout, then interrupts them. Interrupted tasks are rejected as worker lost.
// ❀ Closing
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	timeout := wp.config.ShutdownTimeout
	grace := wp.config.KillGrace()
	wp.mu.Unlock()

	wp.intakeCancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.execCancel()
		wp.logger.Pulse("❀ Worker pool stopped - all workers exited cleanly")
		return
	case <-time.After(timeout):
		wp.logger.Closing("Shutdown timeout - interrupting in-flight executions", "timeout", timeout)
	}

	wp.execCancel()
	select {
	case <-done:
		wp.logger.Pulse("❀ Worker pool stopped after interrupting executions")
	case <-time.After(grace + 5*time.Second):
		wp.logger.Closing("Workers still exiting after interrupt", "grace", grace)
	}
}

// worker consumes task messages until intake is cancelled
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.intakeCtx.Done():
			return
		case msg := <-wp.queue.Messages():
			metrics.SetQueueDepth(wp.queue.Depth())
			wp.process(id, msg)
		}
	}
}

func (wp *WorkerPool) process(workerID int, msg TaskMessage) {
	switch msg.Kind {
	case TaskKindBatch:
		wp.runBatch(msg)
	default:
		wp.runSingle(wp.execCtx, msg)
	}
	wp.logger.Debugw("Worker finished message", "worker_id", workerID, logger.FieldTaskID, msg.TaskID)
}

// runSingle claims one queued task and executes it under parent
func (wp *WorkerPool) runSingle(parent context.Context, msg TaskMessage) {
	storeCtx := context.WithoutCancel(parent)

	if err := wp.limiter.Wait(parent); err != nil {
		// Shutting down or batch cancelled; the task stays queued for recovery or is already revoked
		return
	}

	_, ok, err := wp.queue.Claim(storeCtx, msg.TaskID)
	if err != nil {
		if !isShutdownErr(err) {
			wp.logger.Errorw("Failed to claim task", logger.FieldTaskID, msg.TaskID, logger.FieldError, err)
		}
		return
	}
	if !ok {
		wp.logger.Debugw("Skipping task that is no longer queued", logger.FieldTaskID, msg.TaskID)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	wp.track(msg.TaskID, cancel)
	defer wp.untrack(msg.TaskID)

	wp.adjustActive(1)
	defer wp.adjustActive(-1)

	cfg := wp.Config()
	exec := &Execution{
		TaskID:         msg.TaskID,
		ParentTaskID:   msg.ParentTaskID,
		TestCaseID:     msg.TestCaseID,
		Environment:    msg.Environment,
		Params:         msg.Params,
		Timeout:        msg.Timeout,
		DefaultTimeout: cfg.DefaultTimeout,
		KillGrace:      cfg.KillGrace(),
	}

	outcome, execErr := wp.safeExecute(logger.WithComponent(logger.WithTaskID(ctx, msg.TaskID), "pulse.worker"), exec)
	wp.finishSingle(storeCtx, msg, outcome, execErr)
}

// safeExecute turns a panicking execution into a worker-lost error
func (wp *WorkerPool) safeExecute(ctx context.Context, exec *Execution) (outcome *ExecutionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = errors.Mark(errors.Newf("worker lost: execution of task %s panicked: %v", exec.TaskID, r), errors.ErrWorkerLost)
		}
	}()
	return wp.executor.Execute(ctx, exec)
}

func (wp *WorkerPool) finishSingle(ctx context.Context, msg TaskMessage, outcome *ExecutionOutcome, execErr error) {
	log := wp.logger.With(logger.FieldTaskID, msg.TaskID, logger.FieldTestCaseID, msg.TestCaseID)

	if execErr != nil && errors.Is(execErr, context.Canceled) && wp.execCtx.Err() != nil {
		cause := errors.Mark(errors.Wrap(execErr, "worker stopped during execution"), errors.ErrWorkerLost)
		wp.abandon(ctx, msg.TaskID, cause)
		if task, ok, err := wp.queue.Reject(ctx, msg.TaskID, cause); err != nil {
			log.Errorw("Failed to reject interrupted task", logger.FieldError, err)
		} else if ok {
			metrics.TaskFinished(string(TaskKindSingle), string(task.Status))
		}
		return
	}

	c := Completion{Status: TaskStatusSuccess}
	if outcome != nil {
		payload, err := json.Marshal(ExecutionResult{
			Result:     outcome.Result,
			ResultID:   outcome.ResultID,
			DurationMS: outcome.Duration.Milliseconds(),
			Message:    outcome.Message,
		})
		if err != nil {
			log.Errorw("Failed to encode execution result", logger.FieldError, err)
		}
		c.Result = payload
	}

	if execErr != nil {
		ec := ClassifyError("execute", execErr)
		c.Status = TaskStatusFailure
		c.Error = ec.Message
		c.ErrorCode = ec.Code

		switch ec.Code {
		case ErrorCodeTimeout:
			metrics.ExecutionTimedOut()
			log.Warnw("Execution timed out", logger.FieldError, execErr)
		case ErrorCodeWorkerLost:
			wp.abandon(ctx, msg.TaskID, execErr)
			log.Errorw("Worker lost during execution", logger.FieldError, execErr)
		case ErrorCodeCancelled:
			log.Infow("Execution interrupted by cancellation")
		default:
			log.Warnw("Execution failed", logger.FieldError, execErr, logger.FieldErrorCode, ec.Code)
		}
	}

	task, err := wp.queue.Complete(ctx, msg.TaskID, c)
	if err != nil {
		log.Errorw("Failed to complete task", logger.FieldError, err)
		return
	}
	if task.Superseded {
		log.Infow("Execution finished after cancellation, result kept as superseded")
	}
	metrics.TaskFinished(string(TaskKindSingle), string(task.Status))
}

// runBatch claims a batch parent and fans its queued children out over at
// most MaxWorkers concurrent executions, then records the summary.
func (wp *WorkerPool) runBatch(msg TaskMessage) {
	storeCtx := context.WithoutCancel(wp.execCtx)
	log := wp.logger.With(logger.FieldTaskID, msg.TaskID)

	_, ok, err := wp.queue.Claim(storeCtx, msg.TaskID)
	if err != nil {
		log.Errorw("Failed to claim batch", logger.FieldError, err)
		return
	}
	if !ok {
		log.Debugw("Skipping batch that is no longer queued")
		return
	}

	ctx, cancel := context.WithCancel(wp.execCtx)
	defer cancel()
	wp.track(msg.TaskID, cancel)
	defer wp.untrack(msg.TaskID)

	children, err := wp.queue.ListTasksByParent(storeCtx, msg.TaskID)
	if err != nil {
		log.Errorw("Failed to list batch children", logger.FieldError, err)
		wp.rejectBatch(storeCtx, msg.TaskID, err)
		return
	}

	limit := msg.MaxWorkers
	if limit <= 0 || limit > len(children) {
		limit = len(children)
	}
	if limit < 1 {
		limit = 1
	}

	total := len(children)
	var done atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, child := range children {
		if child.Status != TaskStatusQueued {
			done.Add(1)
			continue
		}
		childMsg := child.Message()
		g.Go(func() error {
			wp.runSingle(ctx, childMsg)
			n := done.Add(1)
			if err := wp.queue.SetProgress(storeCtx, msg.TaskID, int(n), total); err != nil {
				log.Warnw("Failed to update batch progress", logger.FieldError, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if wp.execCtx.Err() != nil {
		wp.rejectBatch(storeCtx, msg.TaskID, errors.Mark(errors.New("worker stopped during batch"), errors.ErrWorkerLost))
		return
	}

	children, err = wp.queue.ListTasksByParent(storeCtx, msg.TaskID)
	if err != nil {
		log.Errorw("Failed to reload batch children", logger.FieldError, err)
		wp.rejectBatch(storeCtx, msg.TaskID, err)
		return
	}
	summary := summarize(children)
	payload, err := json.Marshal(summary)
	if err != nil {
		log.Errorw("Failed to encode batch summary", logger.FieldError, err)
	}

	task, err := wp.queue.Complete(storeCtx, msg.TaskID, Completion{Status: TaskStatusSuccess, Result: payload})
	if err != nil {
		log.Errorw("Failed to complete batch", logger.FieldError, err)
		return
	}
	metrics.TaskFinished(string(TaskKindBatch), string(task.Status))

	ev := notify.BatchEvent{
		TaskID:      msg.TaskID,
		Environment: msg.Environment,
		Total:       summary.Total,
		Passed:      summary.Passed,
		Failed:      summary.Failed,
		Skipped:     summary.Skipped,
		Revoked:     summary.Revoked,
	}
	if err := wp.notifier.NotifyBatch(storeCtx, ev); err != nil {
		log.Warnw("Failed to send batch notification", logger.FieldError, err)
	}
}

// rejectBatch fails the parent and every non-terminal child
func (wp *WorkerPool) rejectBatch(ctx context.Context, parentID string, cause error) {
	children, err := wp.queue.ListTasksByParent(ctx, parentID)
	if err != nil {
		wp.logger.Errorw("Failed to list batch children for rejection", logger.FieldTaskID, parentID, logger.FieldError, err)
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if child.Status == TaskStatusRunning {
			wp.abandon(ctx, child.ID, cause)
		}
		if _, _, err := wp.queue.Reject(ctx, child.ID, cause); err != nil {
			wp.logger.Errorw("Failed to reject batch child", logger.FieldTaskID, child.ID, logger.FieldError, err)
		}
	}
	if task, ok, err := wp.queue.Reject(ctx, parentID, cause); err != nil {
		wp.logger.Errorw("Failed to reject batch", logger.FieldTaskID, parentID, logger.FieldError, err)
	} else if ok {
		metrics.TaskFinished(string(TaskKindBatch), string(task.Status))
	}
}

func (wp *WorkerPool) abandon(ctx context.Context, taskID string, cause error) {
	metrics.WorkerLost()
	if err := wp.executor.Abandon(ctx, taskID, cause); err != nil {
		wp.logger.Warnw("Failed to abandon execution", logger.FieldTaskID, taskID, logger.FieldError, err)
	}
}

// recoverOrphanedTasks handles tasks left behind by a process that died:
// running tasks lost their worker and are rejected, queued tasks get their
// messages back.
func (wp *WorkerPool) recoverOrphanedTasks(ctx context.Context) error {
	running := TaskStatusRunning
	orphaned, err := wp.queue.ListTasks(ctx, TaskFilter{Status: &running, Limit: MaxOrphanedTasksToRecover})
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}
	if len(orphaned) > 0 {
		wp.logger.Starting("Opening - found tasks orphaned by a previous process", logger.FieldCount, len(orphaned))
	}

	lost := errors.Mark(errors.New("worker lost: task was running when its process stopped"), errors.ErrWorkerLost)
	for _, task := range orphaned {
		if task.Kind == TaskKindBatch {
			wp.rejectBatch(ctx, task.ID, lost)
			continue
		}
		wp.abandon(ctx, task.ID, lost)
		if t, ok, err := wp.queue.Reject(ctx, task.ID, lost); err != nil {
			wp.logger.Warnw("Failed to reject orphaned task", logger.FieldTaskID, task.ID, logger.FieldError, err)
		} else if ok {
			metrics.TaskFinished(string(t.Kind), string(t.Status))
		}
	}

	requeued, err := wp.queue.Adopt(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-enqueue queued tasks: %w", err)
	}
	if requeued > 0 {
		wp.logger.Starting("Re-enqueued tasks from a previous process", logger.FieldCount, requeued)
	}
	return nil
}

// adoptLoop picks up tasks other processes queued in the shared database
func (wp *WorkerPool) adoptLoop(interval time.Duration) {
	defer wp.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.intakeCtx.Done():
			return
		case <-ticker.C:
			n, err := wp.queue.Adopt(wp.intakeCtx)
			if err != nil {
				if !isShutdownErr(err) {
					wp.logger.Warnw("Failed to adopt queued tasks", logger.FieldError, err)
				}
				continue
			}
			if n > 0 {
				wp.logger.Pulse("Adopted queued tasks", logger.FieldCount, n)
				metrics.SetQueueDepth(wp.queue.Depth())
			}
		}
	}
}

// Cancel interrupts an in-flight execution. Returns false when the task is not running here.
func (wp *WorkerPool) Cancel(taskID string) bool {
	wp.mu.Lock()
	cancel, ok := wp.running[taskID]
	wp.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (wp *WorkerPool) track(taskID string, cancel context.CancelFunc) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.running[taskID] = cancel
}

func (wp *WorkerPool) untrack(taskID string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	delete(wp.running, taskID)
}

func (wp *WorkerPool) adjustActive(delta int) {
	wp.mu.Lock()
	wp.activeWorkers += delta
	n := wp.activeWorkers
	wp.mu.Unlock()
	metrics.SetActiveWorkers(n)
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.config.Workers
}

// Queue returns the task queue
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// isShutdownErr reports errors a worker should not log while the pool stops
func isShutdownErr(err error) bool {
	return db.IsDatabaseClosed(err) || errors.Is(err, context.Canceled)
}
