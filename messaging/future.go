package messaging

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Future is the completion handle of an asynchronous publish
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// failedFuture returns an already completed future
func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the publish was confirmed or failed
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the publish completes or ctx ends
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome, or nil while the publish is still pending
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// tracker runs detached work and drains it on shutdown
type tracker struct {
	mu     sync.RWMutex
	group  errgroup.Group
	closed bool
}

// Go runs fn in its own goroutine and returns its future. After close
// the future fails immediately with ErrNotConnected.
func (t *tracker) Go(fn func() error) *Future {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return failedFuture(ErrNotConnected)
	}

	f := newFuture()
	t.group.Go(func() error {
		f.complete(fn())
		// failures belong to the future, not the group
		return nil
	})
	return f
}

// close rejects new work and waits for running work or ctx
func (t *tracker) close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = t.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
