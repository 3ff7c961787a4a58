package persistence

import (
	"errors"

	"triage_server/core/domain"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Common persistence errors
var (
	ErrDuplicate       = domain.ErrDuplicate
	ErrVersionConflict = domain.ErrVersionConflict
)

const pqUniqueViolation = "23505"

// isUniqueViolation recognizes unique-key failures from both supported drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
