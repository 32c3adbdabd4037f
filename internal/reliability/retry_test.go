package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("zero max attempts retries forever", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 0)

		shouldRetry, _ := eb.ShouldRetry(1000, errors.New("test"))
		assert.True(t, shouldRetry)
		assert.Equal(t, 0, eb.MaxRetries())
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("NextDelay with jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(1*time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("non-retryable")))
		assert.False(t, shouldRetry)
	})

	t.Run("sees non-retryable errors through wrapping", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		wrapped := fmt.Errorf("publish: %w", Permanent(errors.New("nacked")))
		shouldRetry, _ := eb.ShouldRetry(0, wrapped)
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})

	t.Run("NoRetry never retries", func(t *testing.T) {
		shouldRetry, _ := NoRetry.ShouldRetry(0, errors.New("test"))
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(100*time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error after max retries", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 2), func() error {
			attempts++
			return errors.New("persistent error")
		})

		require.Error(t, err)
		assert.Equal(t, "persistent error", err.Error())
		assert.Equal(t, 3, attempts) // initial + 2 retries
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := int32(0)

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, NewFixedDelay(1*time.Second, 5), func() error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("error")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewExponentialBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 5), func() error {
			attempts++
			if attempts == 2 {
				return Permanent(errors.New("fatal error"))
			}
			return errors.New("retryable error")
		})

		require.Error(t, err)
		assert.Equal(t, "fatal error", err.Error())
		assert.Equal(t, 2, attempts)
	})
}

func TestRetryOp(t *testing.T) {
	t.Run("wraps exhaustion in RetryError", func(t *testing.T) {
		base := errors.New("broker unavailable")

		err := RetryOp(context.Background(), "publish", NewFixedDelay(time.Millisecond, 2), func() error {
			return base
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "publish", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, base)
	})

	t.Run("returns a single failure unchanged", func(t *testing.T) {
		base := errors.New("nacked")

		err := RetryOp(context.Background(), "publish", NewFixedDelay(time.Millisecond, 2), func() error {
			return Permanent(base)
		})

		var retryErr *RetryError
		assert.False(t, errors.As(err, &retryErr))
		assert.ErrorIs(t, err, base)
	})
}

func TestIsRetryableError(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, isRetryableError(nil))
	})

	t.Run("RetryableError respects Retryable field", func(t *testing.T) {
		assert.True(t, isRetryableError(RetryableError{Err: errors.New("test"), Retryable: true}))
		assert.False(t, isRetryableError(RetryableError{Err: errors.New("test"), Retryable: false}))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, isRetryableError(errors.New("unknown error")))
	})

	t.Run("Permanent of nil is nil", func(t *testing.T) {
		assert.NoError(t, Permanent(nil))
	})
}
