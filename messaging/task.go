package messaging

import (
	"context"
)

// Task is one execution of a worker against one delivery
type Task struct {
	ctx     context.Context
	engine  *Engine
	worker  *Worker
	headers Headers
	body    []byte
	message any
	result  any
	err     error
}

// Message returns the decoded message
func (t *Task) Message() any {
	return t.message
}

// Decode decodes the raw message body into v
func (t *Task) Decode(v any) error {
	return t.engine.codec.DecodeInto(t.body, v)
}

// Headers returns the delivery metadata
func (t *Task) Headers() Headers {
	return t.headers
}

// Worker returns the worker running the task
func (t *Task) Worker() *Worker {
	return t.worker
}

// QueueName is the queue or exchange the worker is bound to
func (t *Task) QueueName() string {
	return t.worker.name
}

// Err returns the captured handler fault
func (t *Task) Err() error {
	return t.err
}

// Result returns the captured handler result
func (t *Task) Result() any {
	return t.result
}

// Enqueue sends msg to queue in the background. The publish outlives the
// handler context and is drained on shutdown.
func (t *Task) Enqueue(queue string, msg any, options ...PublishOption) *Future {
	return t.engine.publisher.EnqueueAsync(t.detachedContext(), queue, msg, options...)
}

// Publish broadcasts msg on exchange in the background
func (t *Task) Publish(exchange string, msg any, options ...PublishOption) *Future {
	return t.engine.publisher.PublishAsync(t.detachedContext(), exchange, msg, options...)
}

// Unsubscribe stops the task's worker. The running task completes normally.
func (t *Task) Unsubscribe(ctx context.Context) error {
	return t.worker.Unsubscribe(ctx)
}

func (t *Task) detachedContext() context.Context {
	return context.WithoutCancel(t.ctx)
}
