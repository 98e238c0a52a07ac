package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/errors"
	tptest "github.com/teranos/testpulse/internal/testing"
)

func TestStoreCreateAndGet(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	task := NewSingleTask(7, "staging", map[string]interface{}{"browser": "firefox"}, 90*time.Second)
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskKindSingle, got.Kind)
	assert.Equal(t, int64(7), got.TestCaseID)
	assert.Equal(t, "staging", got.Environment)
	assert.Equal(t, "firefox", got.Params["browser"])
	assert.Equal(t, 90*time.Second, got.Timeout)
	assert.Equal(t, TaskStatusQueued, got.Status)
	assert.False(t, got.Superseded)
	assert.Nil(t, got.StartedAt)

	_, err = s.GetTask(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreBatchRoundTrip(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	parent, children := NewBatchTask([]int64{1, 2, 3}, "ci", nil, 2, 0)
	require.NoError(t, s.CreateBatch(ctx, parent, children))

	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskKindBatch, got.Kind)
	assert.Equal(t, []int64{1, 2, 3}, got.TestCaseIDs)
	assert.Equal(t, 2, got.MaxWorkers)
	assert.Equal(t, 3, got.Progress.Total)

	kids, err := s.ListTasks(ctx, TaskFilter{ParentTaskID: parent.ID})
	require.NoError(t, err)
	require.Len(t, kids, 3)
	for i, kid := range kids {
		assert.Equal(t, int64(i+1), kid.TestCaseID, "children keep request order")
		assert.Equal(t, parent.ID, kid.ParentTaskID)
	}

	top, err := s.ListTasks(ctx, TaskFilter{TopLevelOnly: true})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, parent.ID, top[0].ID)
}

func TestStoreGuardedTransitions(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	task := NewSingleTask(1, "", nil, 0)
	require.NoError(t, s.CreateTask(ctx, task))

	ok, err := s.MarkRunning(ctx, task.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkRunning(ctx, task.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "a running task cannot be claimed twice")

	done := Completion{Status: TaskStatusSuccess, Result: json.RawMessage(`{"result":"Pass","duration_ms":5}`), At: now}
	ok, err = s.MarkTerminal(ctx, task.ID, done, TaskStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	revoke := Completion{Status: TaskStatusRevoked, At: now}
	ok, err = s.MarkTerminal(ctx, task.ID, revoke, TaskStatusQueued, TaskStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok, "terminal tasks stay terminal")

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusSuccess, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	res, err := got.ExecutionResult()
	require.NoError(t, err)
	assert.Equal(t, "Pass", string(res.Result))
}

func TestStoreSupersededOnlyOnRevoked(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	task := NewSingleTask(1, "", nil, 0)
	require.NoError(t, s.CreateTask(ctx, task))

	ok, err := s.MarkSuperseded(ctx, task.ID, json.RawMessage(`{}`), now)
	require.NoError(t, err)
	assert.False(t, ok, "queued task cannot be superseded")

	_, err = s.MarkTerminal(ctx, task.ID, Completion{Status: TaskStatusRevoked, At: now}, TaskStatusQueued)
	require.NoError(t, err)

	ok, err = s.MarkSuperseded(ctx, task.ID, json.RawMessage(`{"result":"Pass"}`), now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRevoked, got.Status)
	assert.True(t, got.Superseded)
}

func TestStoreCountsAndCleanup(t *testing.T) {
	s := NewStore(tptest.CreateTestDB(t))
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	parent, children := NewBatchTask([]int64{1, 2}, "", nil, 0, 0)
	require.NoError(t, s.CreateBatch(ctx, parent, children))
	for _, id := range []string{parent.ID, children[0].ID, children[1].ID} {
		_, err := s.MarkTerminal(ctx, id, Completion{Status: TaskStatusSuccess, At: old}, TaskStatusQueued)
		require.NoError(t, err)
	}

	fresh := NewSingleTask(3, "", nil, 0)
	require.NoError(t, s.CreateTask(ctx, fresh))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[TaskStatusSuccess])
	assert.Equal(t, 1, counts[TaskStatusQueued])

	n, err := s.DeleteTerminalBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the top-level parent is deleted directly")

	remaining, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1, "children cascade with their parent")
	assert.Equal(t, fresh.ID, remaining[0].ID)
}

func TestStoreMarkTerminalWrapsDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewStore(db)

	mock.ExpectExec("UPDATE execution_tasks").
		WillReturnError(errors.New("database is locked"))

	_, err = s.MarkTerminal(context.Background(), "t1", Completion{Status: TaskStatusFailure, At: time.Now()}, TaskStatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to mark task t1 failure")
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMarkTerminalNeedsSource(t *testing.T) {
	s := NewStore(nil)
	_, err := s.MarkTerminal(context.Background(), "t1", Completion{Status: TaskStatusFailure})
	assert.True(t, errors.IsValidationError(err))
}
