package repositories

import (
	"errors"

	"github.com/lib/pq"
)

// ErrDuplicate is returned when an insert collides with an existing row on a
// unique key the caller chose (username, credential name, model name).
var ErrDuplicate = errors.New("record already exists")

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// rollback aborts tx unless it has already been committed.
func rollback(tx interface{ Rollback() error }) {
	_ = tx.Rollback()
}
