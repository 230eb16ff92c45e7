package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// ErrDuplicateKey is returned by Create when the connection id is taken.
var ErrDuplicateKey = errors.New("duplicate key")

// HandleNotFound turns sql.ErrNoRows into a nil result. Find and
// compare-and-swap queries use it so "no row" reads as "absent" or "lost the
// race" rather than as a failure.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
