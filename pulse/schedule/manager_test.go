package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/testpulse/errors"
	tptest "github.com/teranos/testpulse/internal/testing"
	"github.com/teranos/testpulse/internal/util"
)

// 2026-10-18 08:00 UTC, a Sunday
var testNow = at(2026, 10, 18, 8, 0)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(tptest.CreateTestDB(t), time.UTC, zaptest.NewLogger(t).Sugar())
	m.now = func() time.Time { return testNow }
	return m
}

func dailyInput(expr string) Input {
	return Input{Name: "nightly login", TestCaseID: 1, Type: TypeDaily, Expression: expr, Environment: "staging"}
}

func TestCreateComputesNextRun(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sc, err := m.Create(ctx, dailyInput("09:00"))
	require.NoError(t, err)
	require.NotNil(t, sc.NextRunAt)
	assert.Equal(t, at(2026, 10, 18, 9, 0), *sc.NextRunAt)
	assert.Equal(t, "active", sc.State())

	got, err := m.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.NextRunAt.Unix(), got.NextRunAt.Unix())
	assert.Equal(t, "staging", got.Environment)
}

func TestCreateKeepsParameters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	in := dailyInput("")
	in.Parameters = map[string]interface{}{"browser": "firefox", "retries": float64(2)}
	sc, err := m.Create(ctx, in)
	require.NoError(t, err)

	got, err := m.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Parameters, got.Parameters)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   Input
	}{
		{"no test case", Input{Type: TypeDaily}},
		{"unknown type", Input{TestCaseID: 1, Type: "hourly"}},
		{"bad expression", Input{TestCaseID: 1, Type: TypeDaily, Expression: "25:00"}},
		{"bad expression while paused", Input{TestCaseID: 1, Type: TypeCron, Expression: "nope", Disabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err), "got %v", err)
		})
	}

	all, err := m.List(ctx, Filter{IncludeRemoved: true})
	require.NoError(t, err)
	assert.Empty(t, all, "nothing persisted")
}

func TestCreatePaused(t *testing.T) {
	m := newTestManager(t)

	in := dailyInput("09:00")
	in.Disabled = true
	sc, err := m.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, sc.NextRunAt)
	assert.Equal(t, "paused", sc.State())
}

func TestUpdateRecomputesOnRecurrenceChange(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sc, err := m.Create(ctx, dailyInput("09:00"))
	require.NoError(t, err)

	sc, err = m.Update(ctx, sc.ID, Patch{Name: util.Ptr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, at(2026, 10, 18, 9, 0), *sc.NextRunAt, "name change keeps next run")

	sc, err = m.Update(ctx, sc.ID, Patch{Type: util.Ptr(TypeWeekly), Expression: util.Ptr("friday 17:30")})
	require.NoError(t, err)
	assert.Equal(t, at(2026, 10, 23, 17, 30), *sc.NextRunAt)
	assert.Equal(t, "renamed", sc.Name)

	_, err = m.Update(ctx, sc.ID, Patch{Expression: util.Ptr("someday")})
	assert.True(t, errors.IsValidationError(err))

	got, err := m.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "friday 17:30", got.Expression, "rejected update left the row alone")
}

func TestUpdateWhilePausedDefersNextRun(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sc, err := m.Create(ctx, dailyInput("09:00"))
	require.NoError(t, err)
	_, err = m.Pause(ctx, sc.ID)
	require.NoError(t, err)

	expr := "07:00"
	sc, err = m.Update(ctx, sc.ID, Patch{Expression: &expr})
	require.NoError(t, err)
	assert.Nil(t, sc.NextRunAt)

	sc, err = m.Resume(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, at(2026, 10, 19, 7, 0), *sc.NextRunAt)
}

func TestPauseResumeAreIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sc, err := m.Create(ctx, dailyInput("09:00"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sc, err = m.Pause(ctx, sc.ID)
		require.NoError(t, err)
		assert.False(t, sc.Enabled)
		assert.Nil(t, sc.NextRunAt)
	}

	for i := 0; i < 2; i++ {
		sc, err = m.Resume(ctx, sc.ID)
		require.NoError(t, err)
		assert.True(t, sc.Enabled)
		assert.Equal(t, at(2026, 10, 18, 9, 0), *sc.NextRunAt)
	}

	sc, err = m.Toggle(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "paused", sc.State())
	sc, err = m.Toggle(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", sc.State())
}

func TestDeleteIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sc, err := m.Create(ctx, dailyInput("09:00"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		removed, err := m.Delete(ctx, sc.ID)
		require.NoError(t, err)
		assert.False(t, removed.Active)
		assert.Nil(t, removed.NextRunAt)
	}

	_, err = m.Get(ctx, sc.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = m.Pause(ctx, sc.ID)
	assert.True(t, errors.IsNotFoundError(err))

	live, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = m.Delete(ctx, "no-such-schedule")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRunNowWithoutTickerMarksDue(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sc, err := m.Create(ctx, dailyInput("09:00"))
	require.NoError(t, err)

	sc, run, err := m.RunNow(ctx, sc.ID)
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Equal(t, testNow, *sc.NextRunAt)

	due, err := m.Store().ListDue(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, sc.ID, due[0].ID)

	_, err = m.Pause(ctx, sc.ID)
	require.NoError(t, err)
	_, _, err = m.RunNow(ctx, sc.ID)
	assert.True(t, errors.IsConflictError(err))
}

func TestListFilters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, dailyInput("09:00"))
	require.NoError(t, err)
	b := dailyInput("10:00")
	b.TestCaseID = 2
	bs, err := m.Create(ctx, b)
	require.NoError(t, err)
	_, err = m.Pause(ctx, bs.ID)
	require.NoError(t, err)

	enabled, err := m.List(ctx, Filter{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, a.ID, enabled[0].ID)

	forTwo, err := m.List(ctx, Filter{TestCaseID: 2})
	require.NoError(t, err)
	require.Len(t, forTwo, 1)
	assert.Equal(t, bs.ID, forTwo[0].ID)
}
