package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableDBOperation_SuccessFirstAttempt(t *testing.T) {
	attempts := 0
	err := retryableDBOperation(context.Background(), func() error {
		attempts++
		return nil
	}, "test operation")

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryableDBOperation_RetriesLockContention(t *testing.T) {
	attempts := 0
	err := retryableDBOperation(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("database is locked")
		}
		return nil
	}, "test operation")

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryableDBOperation_NonRetryableFailsFast(t *testing.T) {
	attempts := 0
	err := retryableDBOperation(context.Background(), func() error {
		attempts++
		return fmt.Errorf("UNIQUE constraint failed: sessions.session_id_hash")
	}, "register session")

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "constraint violations must not be retried")
	assert.Contains(t, err.Error(), "register session failed (non-retryable)")
	assert.Contains(t, err.Error(), "UNIQUE constraint")
}

func TestRetryableDBOperation_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := retryableDBOperation(ctx, func() error {
		attempts++
		return nil
	}, "test operation")

	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 0, attempts)
}

func TestRetryableDBOperation_ContextExpiresDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	attempts := 0
	err := retryableDBOperation(ctx, func() error {
		attempts++
		return fmt.Errorf("database is locked")
	}, "test operation")

	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1, attempts, "the deadline fires while waiting to retry")
}

func TestIsRetryableDBError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "database locked",
			err:       fmt.Errorf("database is locked"),
			retryable: true,
		},
		{
			name:      "table locked",
			err:       fmt.Errorf("database table is locked: sessions"),
			retryable: true,
		},
		{
			name:      "sqlite busy",
			err:       fmt.Errorf("SQLITE_BUSY: unable to acquire lock"),
			retryable: true,
		},
		{
			name:      "disk io error",
			err:       fmt.Errorf("disk I/O error"),
			retryable: true,
		},
		{
			name:      "context canceled",
			err:       context.Canceled,
			retryable: false,
		},
		{
			name:      "context deadline",
			err:       context.DeadlineExceeded,
			retryable: false,
		},
		{
			name:      "unique constraint",
			err:       fmt.Errorf("UNIQUE constraint failed: sessions.session_id_hash"),
			retryable: false,
		},
		{
			name:      "missing table",
			err:       fmt.Errorf("no such table: deletions"),
			retryable: false,
		},
		{
			name:      "unknown error",
			err:       errors.New("something unexpected"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, isRetryableDBError(tt.err))
		})
	}
}
