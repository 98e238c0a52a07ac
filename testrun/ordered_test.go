package testrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/results"
	"github.com/teranos/testpulse/runner"
)

// ============================================================================
// Relay Race Test Universe
// ============================================================================
//
// Characters:
//   - Runner 1: opens the race
//   - Runner 2: only takes the baton if Runner 1 finished clean
//   - Runner 3: waits on Runner 2, but would run alone if allowed
//
// Theme: a dropped baton stops everyone behind it.
// ============================================================================

func (h *harness) orderedRunner() *Runner {
	return NewRunner(h.planner(), h.dispatcher, h.log)
}

func TestRelayDroppedBatonStopsTheRest(t *testing.T) {
	t.Log("🏃 Runner 1 trips on the first lap")
	h := newHarness(t, runner.StaticResolver{
		1: shell(1, "exit 1"),
		2: shell(2, "exit 0"),
		3: shell(3, "exit 0"),
	}, 2)
	chain(t, h)

	report, err := h.orderedRunner().Execute(context.Background(), []int64{3, 1, 2}, "staging", DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, report.Order)
	require.Len(t, report.Entries, 3)

	first := report.Entries[0]
	assert.False(t, first.Skipped)
	assert.Equal(t, async.TaskStatusSuccess, first.Status)
	assert.Equal(t, results.Fail, first.Result)
	assert.NotEmpty(t, first.TaskID)

	second := report.Entries[1]
	assert.True(t, second.Skipped)
	assert.Contains(t, second.Reason, "requires 1")
	assert.Empty(t, second.TaskID, "never dispatched")

	third := report.Entries[2]
	assert.True(t, third.Skipped)
	assert.Equal(t, []int64{2}, third.SkippedBy)

	assert.Equal(t, 0, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Skipped)

	for _, id := range []int64{2, 3} {
		latest, err := h.results.Latest(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, latest, "skipped test case %d has no result", id)
	}
}

func TestRelayCleanHandoffs(t *testing.T) {
	h := newHarness(t, runner.StaticResolver{
		1: shell(1, "exit 0"),
		2: shell(2, "exit 0"),
		3: shell(3, "exit 0"),
	}, 2)
	chain(t, h)

	report, err := h.orderedRunner().Execute(context.Background(), []int64{1, 2, 3}, "staging", DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Passed)
	assert.Zero(t, report.Skipped)
	for _, e := range report.Entries {
		assert.Equal(t, results.Pass, e.Result, "test case %d", e.TestCaseID)
	}

	// Runner 2 was gated on the result Runner 1 recorded during this run
	r1, err := h.results.Latest(context.Background(), 1)
	require.NoError(t, err)
	r2, err := h.results.Latest(context.Background(), 2)
	require.NoError(t, err)
	assert.Less(t, r1.ID, r2.ID)
}

func TestRelayCancelledMidRace(t *testing.T) {
	h := newHarness(t, runner.StaticResolver{
		1: shell(1, "sleep 10"),
		2: shell(2, "exit 0"),
	}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	report, err := h.orderedRunner().Execute(ctx, []int64{1, 2}, "", DefaultPolicy())
	require.Error(t, err)
	require.NotNil(t, report)
	require.Len(t, report.Entries, 1, "the second runner never started")
	assert.Equal(t, async.TaskStatusRevoked, report.Entries[0].Status)

	view, err := h.dispatcher.Status(context.Background(), report.Entries[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, async.TaskStatusRevoked, view.Status)
}

// refusingDispatcher rejects one test case and runs nothing
type refusingDispatcher struct {
	refuse     int64
	dispatched []int64
}

func (d *refusingDispatcher) Dispatch(_ context.Context, req async.Request) (string, error) {
	if req.TestCaseID == d.refuse {
		return "", errors.Wrap(errors.ErrServiceUnavailable, "queue is full")
	}
	d.dispatched = append(d.dispatched, req.TestCaseID)
	return "task", nil
}

func (d *refusingDispatcher) Wait(context.Context, string) (*async.StatusView, error) {
	return &async.StatusView{Status: async.TaskStatusSuccess, Result: &async.ExecutionResult{Result: results.Pass}}, nil
}

func (d *refusingDispatcher) Cancel(context.Context, string) error { return nil }

func TestRelayRefusedDispatchSkipsDependents(t *testing.T) {
	h := newHarness(t, nil, 0)
	chain(t, h)
	h.record(t, 1, results.Pass)

	d := &refusingDispatcher{refuse: 2}
	report, err := NewRunner(h.planner(), d, h.log).Execute(context.Background(), []int64{1, 2, 3}, "", DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, d.dispatched)
	assert.True(t, report.Entries[1].Skipped)
	assert.Contains(t, report.Entries[1].Reason, "queue is full")
	assert.Equal(t, []int64{2}, report.Entries[2].SkippedBy)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 2, report.Skipped)
}
