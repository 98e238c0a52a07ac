package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/testpulse/errors"
)

// ErrDatabaseClosed marks store calls that raced daemon shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err came from a closed handle.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseClosed), errors.Is(err, sql.ErrConnDone):
		return true
	}
	// database/sql returns an unexported error value for this
	return strings.Contains(err.Error(), "database is closed")
}
