package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaxTxAttempts bounds how often a serialization conflict is retried before
// the conflict is surfaced to the caller.
const MaxTxAttempts = 3

// ErrTxConflict reports that a transaction kept losing the optimistic
// concurrency race after MaxTxAttempts attempts.
var ErrTxConflict = errors.New("platform/db: transaction conflict after retries")

// serialization_failure and deadlock_detected.
var retryableStates = map[string]struct{}{
	"40001": {},
	"40P01": {},
}

// IsRetryable reports whether err is a transient commit conflict.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := retryableStates[pgErr.Code]
		return ok
	}
	return false
}

// WithRetry runs fn inside WithTx, retrying serialization conflicts up to
// MaxTxAttempts times. Non-retryable errors from fn pass through unchanged;
// exhausted retries return ErrTxConflict wrapping the last conflict.
func WithRetry(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return retry(ctx, func() error {
		return WithTx(ctx, pool, fn)
	})
}

func retry(ctx context.Context, attempt func() error) error {
	var last error
	for i := 0; i < MaxTxAttempts; i++ {
		err := attempt()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		last = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Join(ErrTxConflict, last)
}
