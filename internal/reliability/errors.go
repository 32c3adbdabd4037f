package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrMaxRetriesExceeded is matched by every *RetryError
var ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")

// RetryError represents a retry operation that gave up
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}
