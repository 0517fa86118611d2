package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func conflictErr(code string) error {
	return fmt.Errorf("commit failed: %w", &pgconn.PgError{Code: code})
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(conflictErr("40001")))
	require.True(t, IsRetryable(conflictErr("40P01")))
	require.False(t, IsRetryable(conflictErr("23505")))
	require.False(t, IsRetryable(errors.New("not a pg error")))
	require.False(t, IsRetryable(nil))
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := retry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return conflictErr("40001")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryPassesThroughNonRetryable(t *testing.T) {
	boom := errors.New("constraint violated")
	calls := 0
	err := retry(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetryExhaustionReturnsTxConflict(t *testing.T) {
	calls := 0
	err := retry(context.Background(), func() error {
		calls++
		return conflictErr("40001")
	})
	require.ErrorIs(t, err, ErrTxConflict)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Equal(t, "40001", pgErr.Code)
	require.Equal(t, MaxTxAttempts, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry(ctx, func() error {
		calls++
		cancel()
		return conflictErr("40P01")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
