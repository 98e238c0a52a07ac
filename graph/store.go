package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/testpulse/errors"
)

// Store handles persistence of dependency edges
type Store struct {
	db *sql.DB
}

// NewStore creates a new edge store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const edgeColumns = `id, test_case_id, depends_on_test_case_id, dependency_type, condition, priority, enabled, created_at, updated_at`

// Insert stores e and fills in its ID and timestamps.
func (s *Store) Insert(ctx context.Context, e *Edge) error {
	condition, err := encodeCondition(e.Condition)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO test_dependencies (
			test_case_id, depends_on_test_case_id, dependency_type,
			condition, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		e.TestCaseID,
		e.DependsOnID,
		string(e.Type),
		condition,
		e.Priority,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("dependency %d -> %d already exists", e.TestCaseID, e.DependsOnID)
		}
		return errors.Wrap(err, "failed to insert dependency")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read dependency id")
	}

	e.ID = id
	e.Enabled = true
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

// Get retrieves an edge by ID
func (s *Store) Get(ctx context.Context, id int64) (*Edge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM test_dependencies WHERE id = ?`, id)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("dependency %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get dependency %d", id)
	}
	return e, nil
}

// ActivePair returns the enabled edge testCaseID -> dependsOnID, or nil.
func (s *Store) ActivePair(ctx context.Context, testCaseID, dependsOnID int64) (*Edge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+edgeColumns+`
		FROM test_dependencies
		WHERE test_case_id = ? AND depends_on_test_case_id = ? AND enabled = 1`,
		testCaseID, dependsOnID)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up dependency pair")
	}
	return e, nil
}

// Delete removes an edge. Returns a not-found error when id does not exist.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM test_dependencies WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete dependency %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("dependency %d", id)
	}
	return nil
}

// SetEnabled flips the enabled flag of an edge.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_dependencies SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("another enabled dependency already covers edge %d", id)
		}
		return errors.Wrapf(err, "failed to update dependency %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("dependency %d", id)
	}
	return nil
}

// List returns edges matching f ordered by id.
func (s *Store) List(ctx context.Context, f EdgeFilter) ([]*Edge, error) {
	var where []string
	var args []interface{}
	if f.TestCaseID > 0 {
		where = append(where, "test_case_id = ?")
		args = append(args, f.TestCaseID)
	}
	if f.DependsOnID > 0 {
		where = append(where, "depends_on_test_case_id = ?")
		args = append(args, f.DependsOnID)
	}
	if !f.IncludeDisabled {
		where = append(where, "enabled = 1")
	}

	query := `SELECT ` + edgeColumns + ` FROM test_dependencies`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority ASC, id ASC`

	return s.query(ctx, query, args...)
}

// DependsOn returns the IDs testCaseID directly depends on through enabled edges.
func (s *Store) DependsOn(ctx context.Context, testCaseID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_test_case_id
		FROM test_dependencies
		WHERE test_case_id = ? AND enabled = 1
		ORDER BY depends_on_test_case_id`, testCaseID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dependencies of %d", testCaseID)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependency id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "error iterating dependencies")
}

// Among returns enabled edges touching ids. With induced set, both endpoints
// must be in ids; otherwise either endpoint is enough.
func (s *Store) Among(ctx context.Context, ids []int64, induced bool) ([]*Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, 2*len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}

	join := "OR"
	if induced {
		join = "AND"
	}
	query := `SELECT ` + edgeColumns + `
		FROM test_dependencies
		WHERE enabled = 1
		  AND (test_case_id IN (` + placeholders + `) ` + join + ` depends_on_test_case_id IN (` + placeholders + `))
		ORDER BY id ASC`

	return s.query(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query dependencies")
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dependency")
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating dependencies")
	}
	return edges, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEdge(row rowScanner) (*Edge, error) {
	var e Edge
	var depType string
	var condition sql.NullString

	err := row.Scan(
		&e.ID,
		&e.TestCaseID,
		&e.DependsOnID,
		&depType,
		&condition,
		&e.Priority,
		&e.Enabled,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = DependencyType(depType)
	if condition.Valid && condition.String != "" {
		var c Condition
		if err := json.Unmarshal([]byte(condition.String), &c); err != nil {
			return nil, errors.Wrapf(err, "failed to decode condition of dependency %d", e.ID)
		}
		if !c.Empty() {
			e.Condition = &c
		}
	}
	return &e, nil
}

func encodeCondition(c *Condition) (interface{}, error) {
	if c.Empty() {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode condition")
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
