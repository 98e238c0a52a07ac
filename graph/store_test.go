package graph

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/errors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestStoreInsertWrapsDriverError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO test_dependencies").
		WillReturnError(errors.New("disk I/O error"))

	err := s.Insert(context.Background(), &Edge{TestCaseID: 1, DependsOnID: 2, Type: Required})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert dependency")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM test_dependencies WHERE id = ?").
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), 5)
	assert.True(t, errors.IsNotFoundError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDeleteNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM test_dependencies").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Delete(context.Background(), 3)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreListScanFailure(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "test_case_id", "depends_on_test_case_id", "dependency_type",
		"condition", "priority", "enabled", "created_at", "updated_at"}).
		AddRow(1, 2, 3, "required", `{"kind":`, 0, true, "2024-01-01", "2024-01-01")

	mock.ExpectQuery("SELECT (.+) FROM test_dependencies").WillReturnRows(rows)

	_, err := s.List(context.Background(), EdgeFilter{})
	require.Error(t, err)
}

func TestStoreDependsOnQueryFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT depends_on_test_case_id").
		WithArgs(int64(1)).
		WillReturnError(errors.New("database is locked"))

	_, err := s.DependsOn(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list dependencies of 1")
}

func TestStoreAmongEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	edges, err := s.Among(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Nil(t, edges)
	assert.NoError(t, mock.ExpectationsWereMet(), "no query for empty set")
}
