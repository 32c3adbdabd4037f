package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/henchman-go/internal/rabbitmq"
)

var (
	// ErrNotConnected is returned by every publish once the client was stopped
	ErrNotConnected = rabbitmq.ErrNotConnected

	// ErrInvalidState is returned when a worker lifecycle transition is not allowed
	ErrInvalidState = errors.New("messaging: invalid worker state")

	// ErrInvalidRoute is returned for a malformed route
	ErrInvalidRoute = errors.New("messaging: invalid route")

	// ErrNoWorkers is returned when no worker is registered for a queue
	ErrNoWorkers = errors.New("messaging: no workers registered")
)

// PanicError is a handler panic captured as an error
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Unwrap returns the panic value if it was an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// StateError reports a lifecycle transition attempted from the wrong state
type StateError struct {
	Worker string
	Op     string
	State  State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("messaging: cannot %s worker %s in state %s", e.Op, e.Worker, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// RouteError reports a malformed route
type RouteError struct {
	Route  string
	Reason string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("messaging: invalid route %q: %s", e.Route, e.Reason)
}

func (e *RouteError) Unwrap() error {
	return ErrInvalidRoute
}
