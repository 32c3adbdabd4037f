// Package reliability provides the retry policies used for broker
// recovery and publish retries.
//
// Policies decide whether another attempt is made and how long to wait:
//   - ExponentialBackoff: growing delays with optional jitter, capped at MaxInterval
//   - FixedDelay: the same delay between every attempt
//
// A MaxAttempts of zero or less means the policy never gives up on its own;
// the caller's context bounds the loop instead.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0)
//	err := Retry(ctx, policy, func() error {
//	    return reconnect()
//	})
package reliability
