package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Handler runs application logic for one task. The returned value is the
// task result used for forwarding.
type Handler func(ctx context.Context, t *Task) (any, error)

// HandlerFunc adapts a handler that forwards nothing
func HandlerFunc(fn func(ctx context.Context, t *Task) error) Handler {
	return func(ctx context.Context, t *Task) (any, error) {
		return nil, fn(ctx, t)
	}
}

// ErrorHandler is called with the fault of a failed task
type ErrorHandler func(ctx context.Context, t *Task, err error)

// Middleware wraps a handler
type Middleware func(Handler) Handler

// Chain composes middleware so the first one is the outermost
func Chain(middleware ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middleware) - 1; i >= 0; i-- {
			if middleware[i] != nil {
				h = middleware[i](h)
			}
		}
		return h
	}
}

// recoverHandler turns a panic in h into a *PanicError
func recoverHandler(h Handler) Handler {
	return func(ctx context.Context, t *Task) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = nil
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return h(ctx, t)
	}
}

// callErrorHandler runs eh and reports a panic inside it as an error
func callErrorHandler(ctx context.Context, eh ErrorHandler, t *Task, fault error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("error handler panic: %v", r)
		}
	}()
	eh(ctx, t, fault)
	return nil
}
