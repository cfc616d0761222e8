package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATEs that signal a transient conflict. A write hitting one
// of these may succeed verbatim on a later attempt; everything else
// (constraint violations, bad SQL, auth) fails the same way every time and
// is returned to the caller unchanged.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

// IsTransient reports whether err is a retriable Postgres failure.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlstateSerializationFailure ||
		pgErr.Code == sqlstateDeadlockDetected
}

// WithRetry runs fn, retrying transient failures up to maxRetries extra
// attempts with jittered exponential backoff starting at baseDelay. The
// writer uses it around per-record fallback writes so a serialization abort
// or deadlock does not send a perfectly good trace to the dead-letter store.
// ctx bounds the waits between attempts; the last error is returned when
// the budget runs out.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // backoff jitter, not security sensitive
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
