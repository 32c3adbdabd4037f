package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrNotConnected is returned by every accessor once the manager was closed
	ErrNotConnected = errors.New("rabbitmq: not connected")

	// ErrMaxRetriesExceeded is reported to listeners when recovery gives up
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishTimeout      = errors.New("rabbitmq: publish timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")

	// Topology errors
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConfigError is returned when the broker URL cannot be turned into
// connection parameters. It is never retried.
type ConfigError struct {
	URL string // Sanitized URL
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rabbitmq: invalid AMQP URL %q: %v", e.URL, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidConfiguration, e.Err}
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op         string    // Operation that failed
	Generation uint64    // Channel generation the error belongs to
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel generation %d: %v", e.Op, e.Generation, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() []error {
	return []error{ErrTopologyDeclarationFailed, e.Err}
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	case errors.Is(err, ErrNotConnected):
		return false
	}

	// Connection and channel errors are generally retryable
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var chanErr *ChannelError
	if errors.As(err, &chanErr) {
		return true
	}

	// Default to retryable for unknown errors
	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL so it can be logged
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		if err != nil {
			return "***"
		}
		return raw
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
