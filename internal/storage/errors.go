package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert hits an idempotency constraint.
// Callers in the write path treat it as success, not failure.
var ErrDuplicate = errors.New("storage: duplicate")

// ErrInvalidTransition is returned when an alert lifecycle update would
// move a violation backward (e.g. acknowledging a resolved alert).
var ErrInvalidTransition = errors.New("storage: invalid status transition")

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
