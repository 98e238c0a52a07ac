package schedule

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

func TestListDueOrdersOldestFirst(t *testing.T) {
	db := tptest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	mk := func(id string, next *time.Time, enabled bool) {
		require.NoError(t, store.Create(ctx, &Schedule{
			ID: id, TestCaseID: 1, Type: TypeDaily, Enabled: enabled, Active: true,
			NextRunAt: next, CreatedAt: testNow, UpdatedAt: testNow,
		}))
	}
	early, late, future := testNow.Add(-2*time.Hour), testNow.Add(-time.Minute), testNow.Add(time.Hour)
	mk("late", &late, true)
	mk("early", &early, true)
	mk("now", &testNow, true)
	mk("future", &future, true)
	mk("paused", &early, false)
	mk("never", nil, true)

	due, err := store.ListDue(ctx, testNow)
	require.NoError(t, err)
	var ids []string
	for _, sc := range due {
		ids = append(ids, sc.ID)
	}
	assert.Equal(t, []string{"early", "late", "now"}, ids)

	next, err := store.NextDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "early", next.ID)
}

func TestStoreNotFound(t *testing.T) {
	store := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
	err = store.Advance(ctx, "missing", testNow, nil)
	assert.True(t, errors.IsNotFoundError(err))
	err = store.SetLastRun(ctx, "missing", LastRunSuccess, "")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestAdvanceDueOnlyTouchesFiringSchedules(t *testing.T) {
	store := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	mk := func(id string, enabled, active bool, next *time.Time) {
		require.NoError(t, store.Create(ctx, &Schedule{
			ID: id, TestCaseID: 1, Type: TypeDaily, Enabled: enabled, Active: active,
			NextRunAt: next, CreatedAt: testNow, UpdatedAt: testNow,
		}))
	}
	mk("due", true, true, &past)
	mk("paused", false, true, &past)
	mk("deleted", true, false, &past)
	mk("ahead", true, true, &future)

	tests := []struct {
		id string
		ok bool
	}{
		{"due", true},
		{"paused", false},
		{"deleted", false},
		{"ahead", false},
		{"missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			ok, err := store.AdvanceDue(ctx, tt.id, testNow, &future)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
		})
	}

	got, err := store.Get(ctx, "paused")
	require.NoError(t, err)
	assert.Nil(t, got.LastRunAt, "paused schedule untouched")
	assert.Equal(t, past, *got.NextRunAt)
}

func TestListDueWrapsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM test_schedules").
		WillReturnError(errors.New("database is locked"))

	_, err = NewStore(db).ListDue(context.Background(), testNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query schedules")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreLifecycle(t *testing.T) {
	db := tptest.CreateTestDB(t)
	store := NewStore(db)
	runs := NewRunStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Schedule{
		ID: "s1", TestCaseID: 1, Type: TypeDaily, Enabled: true, Active: true,
		CreatedAt: testNow, UpdatedAt: testNow,
	}))

	run, err := runs.Start(ctx, "s1", RunRunning, testNow, "")
	require.NoError(t, err)
	require.NoError(t, runs.AttachTask(ctx, run.ID, "task-9"))
	require.NoError(t, runs.Complete(ctx, run.ID, RunSuccess, "", testNow.Add(90*time.Second)))
	require.NoError(t, runs.Complete(ctx, run.ID, RunFailed, "late", testNow.Add(time.Hour)), "second completion is a no-op")

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, got.Status)
	assert.Equal(t, "task-9", got.TaskID)
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, int64(90000), *got.DurationMS)

	assert.True(t, errors.IsValidationError(runs.Complete(ctx, run.ID, RunRunning, "", testNow)))
	assert.True(t, errors.IsNotFoundError(runs.Complete(ctx, "missing", RunFailed, "", testNow)))

	// Runs from well before the retention window are removed
	n, err := runs.Cleanup(ctx, time.Since(testNow)-time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
