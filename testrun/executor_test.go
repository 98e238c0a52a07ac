package testrun

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/am"
	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/results"
	"github.com/teranos/testpulse/runner"
)

func execution(id int64) *async.Execution {
	return &async.Execution{TaskID: fmt.Sprintf("task-%d", id), TestCaseID: id, Environment: "staging"}
}

func TestExecutorRecordsOutcome(t *testing.T) {
	h := newHarness(t, runner.StaticResolver{
		1: shell(1, "exit 0"),
		2: shell(2, "echo broken; exit 1"),
		3: shell(3, "exit 77"),
	}, 0)
	ctx := context.Background()

	tests := []struct {
		id   int64
		want results.Outcome
	}{
		{1, results.Pass},
		{2, results.Fail},
		{3, results.Skip},
	}

	for _, tt := range tests {
		out, err := h.executor.Execute(ctx, execution(tt.id))
		require.NoError(t, err)
		assert.Equal(t, tt.want, out.Result)
		assert.NotZero(t, out.ResultID)

		latest, err := h.results.Latest(ctx, tt.id)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, tt.want, latest.Outcome, "placeholder finalized for %d", tt.id)
		assert.Equal(t, "staging", latest.Environment)
	}

	assert.Len(t, h.notes.events(), 3)
}

func TestExecutorTimeoutFailsTheTest(t *testing.T) {
	h := newHarness(t, runner.StaticResolver{1: shell(1, "sleep 10")}, 0)

	exec := execution(1)
	exec.Timeout = 200 * time.Millisecond

	start := time.Now()
	out, err := h.executor.Execute(context.Background(), exec)
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
	require.NotNil(t, out)
	assert.Equal(t, results.Fail, out.Result)
	assert.Contains(t, out.Message, "timed out")
	assert.Less(t, time.Since(start), 8*time.Second)

	latest, err := h.results.Latest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, results.Fail, latest.Outcome)
}

func TestCancelRunningTaskKeepsSupersededResult(t *testing.T) {
	h := newHarness(t, runner.StaticResolver{1: shell(1, "sleep 10")}, 1)
	ctx := context.Background()

	id, err := h.dispatcher.Dispatch(ctx, async.Request{TestCaseID: 1, Environment: "staging"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		latest, err := h.results.Latest(ctx, 1)
		return err == nil && latest != nil && latest.Status() == results.StatusRunning
	}, 5*time.Second, 10*time.Millisecond, "script is running")

	start := time.Now()
	require.NoError(t, h.dispatcher.Cancel(ctx, id))

	require.Eventually(t, func() bool {
		v, err := h.dispatcher.Status(ctx, id)
		return err == nil && v.Superseded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second, "cancel interrupted the script")

	view, err := h.dispatcher.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, async.TaskStatusRevoked, view.Status)
	require.NotNil(t, view.Result)
	res := view.Result.(*async.ExecutionResult)
	assert.Equal(t, results.Error, res.Result)
	assert.Equal(t, "execution cancelled", res.Message)

	assert.Empty(t, h.notes.events(), "cancelled executions send no notification")

	rows, err := h.results.ByTask(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Cancelled)
	assert.Equal(t, res.ResultID, rows[0].ID)

	latest, err := h.results.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, latest, "cancelled run is not gate history")
	_, sample, err := h.results.PassRate(ctx, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, sample)
}

func TestExecutorRejectsUnknownScripts(t *testing.T) {
	h := newHarness(t, runner.StaticResolver{
		2: {TestCaseID: 2, Kind: "cypress", Command: "spec.cy.js"},
	}, 0)
	ctx := context.Background()

	_, err := h.executor.Execute(ctx, execution(1))
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
	assert.Contains(t, err.Error(), "failed to resolve script for test case 1")

	_, err = h.executor.Execute(ctx, execution(2))
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	latest, err := h.results.Latest(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, latest, "nothing recorded before the runner was found")
}

func TestExecutorNotifiesScheduleID(t *testing.T) {
	h := newHarness(t, runner.StaticResolver{4: shell(4, "true")}, 0)

	exec := execution(4)
	exec.Params = map[string]interface{}{ScheduleParam: "sched-9"}
	_, err := h.executor.Execute(context.Background(), exec)
	require.NoError(t, err)

	events := h.notes.events()
	require.Len(t, events, 1)
	assert.Equal(t, "sched-9", events[0].ScheduleID)
	assert.Equal(t, string(results.Pass), events[0].Result)
	assert.Equal(t, exec.TaskID, events[0].TaskID)
}

func TestExecutorAbandon(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()

	_, err := h.results.StartRunning(ctx, 5, "lost-task", "staging", time.Now())
	require.NoError(t, err)

	require.NoError(t, h.executor.Abandon(ctx, "lost-task", errors.New("worker vanished")))

	latest, err := h.results.Latest(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, results.Error, latest.Outcome)
	assert.Equal(t, "worker vanished", latest.ErrorMessage)

	// Nothing left to abandon
	require.NoError(t, h.executor.Abandon(ctx, "lost-task", nil))
}

func TestEffectiveTimeout(t *testing.T) {
	scripted := &runner.Script{TimeoutSeconds: 30}
	bare := &runner.Script{}

	tests := []struct {
		name   string
		exec   *async.Execution
		script *runner.Script
		want   time.Duration
	}{
		{"request wins", &async.Execution{Timeout: 5 * time.Second, DefaultTimeout: time.Minute}, scripted, 5 * time.Second},
		{"script before default", &async.Execution{DefaultTimeout: time.Minute}, scripted, 30 * time.Second},
		{"pool default", &async.Execution{DefaultTimeout: time.Minute}, bare, time.Minute},
		{"fallback", &async.Execution{}, bare, am.DefaultTimeoutSeconds * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effectiveTimeout(tt.exec, tt.script))
		})
	}
}
