package results

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/errors"
	tptest "github.com/teranos/testpulse/internal/testing"
)

func record(t *testing.T, s *Store, tc int64, outcomes ...Outcome) {
	t.Helper()
	for _, o := range outcomes {
		require.NoError(t, s.Record(context.Background(), &Result{TestCaseID: tc, Outcome: o, Environment: "test"}))
	}
}

func TestRecordAndLatest(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	latest, err := s.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, latest, "no history")

	record(t, s, 1, Pass, Fail)

	latest, err = s.Latest(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, Fail, latest.Outcome)
	assert.Equal(t, StatusCompleted, latest.Status())
	assert.Equal(t, "test", latest.Environment)
}

func TestRecordRejectsRunning(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	err := s.Record(context.Background(), &Result{TestCaseID: 1, Outcome: Running})
	assert.True(t, errors.IsValidationError(err))
}

func TestPlaceholderLifecycle(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	placeholder, err := s.StartRunning(ctx, 4, "task-1", "staging", time.Now())
	require.NoError(t, err)
	assert.NotZero(t, placeholder.ID)

	latest, err := s.Latest(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, latest.Status())

	require.NoError(t, s.Finalize(ctx, placeholder.ID, Pass, 1500*time.Millisecond, ""))

	latest, err = s.Latest(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, Pass, latest.Outcome)
	assert.Equal(t, 1500*time.Millisecond, latest.Duration)
	assert.Equal(t, "task-1", latest.TaskID)

	err = s.Finalize(ctx, placeholder.ID, Fail, 0, "late")
	assert.True(t, errors.IsConflictError(err), "finalized exactly once")

	err = s.Finalize(ctx, 999, Fail, 0, "")
	assert.True(t, errors.IsNotFoundError(err))

	err = s.Finalize(ctx, placeholder.ID, Running, 0, "")
	assert.True(t, errors.IsValidationError(err))
}

func TestFinalizeTask(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	_, err := s.StartRunning(ctx, 1, "task-x", "", time.Now())
	require.NoError(t, err)
	_, err = s.StartRunning(ctx, 2, "task-x", "", time.Now())
	require.NoError(t, err)

	n, err := s.FinalizeTask(ctx, "task-x", Error, "worker lost")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rs, err := s.ByTask(ctx, "task-x")
	require.NoError(t, err)
	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Equal(t, Error, r.Outcome)
		assert.Equal(t, "worker lost", r.ErrorMessage)
	}
}

func TestFinalizeCancelledLeavesHistory(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	record(t, s, 6, Pass)
	placeholder, err := s.StartRunning(ctx, 6, "task-c", "", time.Now())
	require.NoError(t, err)

	require.NoError(t, s.FinalizeCancelled(ctx, placeholder.ID, time.Second, "execution cancelled"))

	latest, err := s.Latest(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, Pass, latest.Outcome, "cancelled row is skipped")

	rate, n, err := s.PassRate(ctx, 6, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, rate)

	rs, err := s.ByTask(ctx, "task-c")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Cancelled)
	assert.Equal(t, Error, rs[0].Outcome)
	assert.Equal(t, "execution cancelled", rs[0].ErrorMessage)

	err = s.FinalizeCancelled(ctx, placeholder.ID, 0, "")
	assert.True(t, errors.IsConflictError(err), "finalized exactly once")
}

func TestPassRate(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	rate, n, err := s.PassRate(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate, "empty history is 0.0")
	assert.Zero(t, n)

	record(t, s, 1, Pass, Pass, Fail, Pass, Fail)
	_, err = s.StartRunning(ctx, 1, "t", "", time.Now())
	require.NoError(t, err)

	rate, n, err = s.PassRate(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n, "placeholders are excluded")
	assert.InDelta(t, 0.6, rate, 1e-9)

	rate, n, err = s.PassRate(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.5, rate, 1e-9, "most recent two are Pass, Fail")
}

func TestRecentNewestFirst(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	record(t, s, 3, Skip, Error, Pass)

	rs, err := s.Recent(context.Background(), 3, 10)
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, []Outcome{Pass, Error, Skip}, []Outcome{rs[0].Outcome, rs[1].Outcome, rs[2].Outcome})

	rs, err = s.Recent(context.Background(), 3, 0)
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestLatestQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM execution_results").
		WithArgs(int64(1)).
		WillReturnError(errors.New("database is locked"))

	_, err = NewStore(db).Latest(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get latest result of test case 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseOutcome(t *testing.T) {
	o, ok := ParseOutcome("pass")
	assert.True(t, ok)
	assert.Equal(t, Pass, o)

	_, ok = ParseOutcome("flaky")
	assert.False(t, ok)

	assert.False(t, Running.Final())
	assert.True(t, Skip.Final())
}
