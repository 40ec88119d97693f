package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSecureFloat64(t *testing.T) {
	for i := 0; i < 100; i++ {
		val := secureFloat64()
		assert.True(t, val >= 0.0, "secureFloat64() should return value >= 0")
		assert.True(t, val < 1.0, "secureFloat64() should return value < 1")
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	config := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}

	backoff := NewBackoff(config)

	for i := 0; i < 50; i++ {
		delay := backoff.GetNextDelay(2)

		assert.True(t, delay >= 0, "Delay should never be negative")
		assert.True(t, delay <= config.MaxDelay, "Delay should not exceed MaxDelay")
	}
}

func TestBackoff_JitterWithNegativeResult(t *testing.T) {
	config := BackoffConfig{
		InitialDelay: 1 * time.Nanosecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.1,
		MaxAttempts:  5,
		Jitter:       true,
	}

	backoff := NewBackoff(config)

	for i := 1; i <= 5; i++ {
		delay := backoff.GetNextDelay(i)
		assert.True(t, delay >= 0, "Delay should never be negative, got %v for attempt %d", delay, i)
	}
}

func TestBackoff_MaxDelayWithJitter(t *testing.T) {
	config := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     150 * time.Millisecond,
		Multiplier:   3.0,
		MaxAttempts:  10,
		Jitter:       true,
	}

	backoff := NewBackoff(config)

	for i := 1; i <= 10; i++ {
		delay := backoff.GetNextDelay(i)
		assert.True(t, delay <= config.MaxDelay,
			"Delay %v should not exceed MaxDelay %v for attempt %d", delay, config.MaxDelay, i)
	}
}

func TestBackoff_RetryWithPredicate_SuccessAfterRetryableErrors(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       false,
	})
	attempts := 0

	retryableError := errors.New("retryable error")
	operation := func() error {
		attempts++
		if attempts < 3 {
			return retryableError
		}
		return nil
	}

	isRetryable := func(err error) bool {
		return err == retryableError
	}

	err := backoff.RetryWithPredicate(context.Background(), operation, isRetryable)

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestBackoff_RetryWithPredicate_MaxAttemptsReached(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  2,
		Jitter:       false,
	})
	attempts := 0

	retryableError := errors.New("always retryable")
	operation := func() error {
		attempts++
		return retryableError
	}

	err := backoff.RetryWithPredicate(context.Background(), operation, func(error) bool { return true })

	assert.Error(t, err)
	assert.Equal(t, retryableError, err)
	assert.Equal(t, 2, attempts)
}

func TestBackoff_ContextCancelledBeforeOperation(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       false,
	})
	attempts := 0

	operation := func() error {
		attempts++
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := backoff.Retry(ctx, operation)

	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, attempts, "operation should never run on a cancelled context")
}

func TestBackoff_ContextCancelledDuringBackoff(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       false,
	})
	attempts := 0

	operation := func() error {
		attempts++
		return errors.New("retry me")
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := backoff.Retry(ctx, operation)

	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, attempts, "should stop after first attempt")
}

func TestBackoff_GetNextDelay_HighAttemptNumbers(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       false,
	})

	delay := backoff.GetNextDelay(100)
	assert.True(t, delay <= 100*time.Millisecond, "High attempt number should still respect MaxDelay")
	assert.True(t, delay > 0, "Delay should be positive")
}

func TestBackoff_DelayCalculationConsistency(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       false,
	})

	// Without jitter the schedule is a pure function of the attempt number
	for attempt := 1; attempt <= 5; attempt++ {
		delay1 := backoff.GetNextDelay(attempt)
		delay2 := backoff.GetNextDelay(attempt)
		assert.Equal(t, delay1, delay2, "GetNextDelay should be consistent for attempt %d", attempt)
	}
}
