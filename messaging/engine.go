package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/henchman-go/internal/rabbitmq"
	"github.com/glimte/henchman-go/serialization"
)

// Engine owns the workers and runs their tasks
type Engine struct {
	manager   *rabbitmq.ConnectionManager
	consumer  *rabbitmq.Consumer
	publisher *Publisher
	codec     serialization.Codec
	logger    *slog.Logger

	middleware []Middleware

	mu           sync.RWMutex
	workers      []*Worker
	errorHandler ErrorHandler

	// loops counts running consume goroutines
	loops sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineCodec sets the codec used to decode deliveries
func WithEngineCodec(codec serialization.Codec) EngineOption {
	return func(e *Engine) {
		e.codec = codec
	}
}

// WithErrorHandler replaces the default error handler
func WithErrorHandler(handler ErrorHandler) EngineOption {
	return func(e *Engine) {
		e.errorHandler = handler
	}
}

// WithEngineMiddleware wraps every worker's handler. Engine middleware runs
// outside worker middleware.
func WithEngineMiddleware(middleware ...Middleware) EngineOption {
	return func(e *Engine) {
		e.middleware = append(e.middleware, middleware...)
	}
}

// NewEngine creates an engine consuming through manager and forwarding
// through publisher
func NewEngine(manager *rabbitmq.ConnectionManager, publisher *Publisher, options ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		manager:   manager,
		publisher: publisher,
		codec:     serialization.NewJSONCodec(),
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, opt := range options {
		opt(e)
	}

	e.consumer = rabbitmq.NewConsumer(manager, rabbitmq.WithConsumerLogger(e.logger))
	if e.errorHandler == nil {
		e.errorHandler = e.logError
	}

	return e
}

// Register creates a worker for name. A KindDirect worker competes for the
// queue with other workers on it; a KindFanout worker receives every message
// published on the exchange.
func (e *Engine) Register(name string, kind rabbitmq.ExchangeKind, handler Handler, options ...WorkerOption) (*Worker, error) {
	if name == "" {
		return nil, fmt.Errorf("messaging: worker name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("messaging: handler is required for worker %s", name)
	}
	if kind != rabbitmq.KindDirect && kind != rabbitmq.KindFanout {
		return nil, fmt.Errorf("messaging: unsupported exchange kind %q", kind)
	}

	w := &Worker{
		id:      uuid.New(),
		name:    name,
		kind:    kind,
		handler: handler,
		engine:  e,
		state:   StateRegistered,
	}
	for _, opt := range options {
		opt(w)
	}
	w.logger = e.logger.With("workerId", w.id.String())

	chain := append(append([]Middleware{}, e.middleware...), w.middleware...)
	w.handler = recoverHandler(Chain(chain...)(recoverHandler(handler)))

	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()

	return w, nil
}

// Job registers a queue worker
func (e *Engine) Job(queue string, handler Handler, options ...WorkerOption) (*Worker, error) {
	return e.Register(queue, rabbitmq.KindDirect, handler, options...)
}

// Receiver registers a fanout worker
func (e *Engine) Receiver(exchange string, handler Handler, options ...WorkerOption) (*Worker, error) {
	return e.Register(exchange, rabbitmq.KindFanout, handler, options...)
}

// Workers returns every registered worker
func (e *Engine) Workers() []*Worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Worker(nil), e.workers...)
}

// SetErrorHandler replaces the default error handler. nil restores the
// logging handler.
func (e *Engine) SetErrorHandler(handler ErrorHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if handler == nil {
		handler = e.logError
	}
	e.errorHandler = handler
}

// ErrorHandler returns the default error handler
func (e *Engine) ErrorHandler() ErrorHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.errorHandler
}

// Handle runs every worker registered for queue against msg without a
// broker and returns their tasks. Nothing is acknowledged or forwarded.
func (e *Engine) Handle(ctx context.Context, queue string, headers Headers, msg any) ([]*Task, error) {
	body, err := e.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	decoded, err := e.codec.Decode(body)
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	for _, w := range e.Workers() {
		if w.name != queue {
			continue
		}
		t := &Task{
			ctx:     ctx,
			engine:  e,
			worker:  w,
			headers: headers,
			body:    body,
			message: decoded,
		}
		e.run(ctx, t)
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoWorkers, queue)
	}
	return tasks, nil
}

// execute runs one delivery. The delivery is acknowledged exactly once,
// whatever the task outcome.
func (e *Engine) execute(ctx context.Context, w *Worker, d amqp.Delivery) *Task {
	t := &Task{
		ctx:     ctx,
		engine:  e,
		worker:  w,
		headers: HeadersFromDelivery(d),
		body:    d.Body,
	}

	defer func() {
		if err := d.Ack(false); err != nil {
			w.logger.Warn("failed to ack delivery",
				"worker", w.name,
				"deliveryTag", d.DeliveryTag,
				"error", err,
			)
		}
	}()

	msg, err := e.codec.Decode(d.Body)
	if err != nil {
		t.err = err
		e.handleError(ctx, t)
		return t
	}
	t.message = msg

	if e.run(ctx, t) {
		e.forward(ctx, t)
	}
	return t
}

// run calls the handler and reports whether it succeeded
func (e *Engine) run(ctx context.Context, t *Task) bool {
	t.result, t.err = t.worker.handler(ctx, t)
	if t.err != nil {
		t.result = nil
		e.handleError(ctx, t)
		return false
	}
	return true
}

func (e *Engine) handleError(ctx context.Context, t *Task) {
	eh := t.worker.errorHandler
	if eh == nil {
		eh = e.ErrorHandler()
	}
	if err := callErrorHandler(ctx, eh, t, t.err); err != nil {
		t.worker.logger.Error("error handler failed",
			"worker", t.worker.name,
			"taskError", t.err,
			"error", err,
		)
	}
}

// forward sends the task result on. Forwards are detached; their failures
// are logged and never affect the delivery.
func (e *Engine) forward(ctx context.Context, t *Task) {
	result, forwards, err := planForwards(t.worker.kind, t.message, t.result, t.headers)
	t.result = result
	if err != nil {
		t.worker.logger.Warn("ignoring malformed route header", "worker", t.worker.name, "error", err)
	}

	detached := context.WithoutCancel(ctx)
	for _, f := range forwards {
		var options []PublishOption
		if len(f.Route) > 0 {
			options = append(options, WithRoute(f.Route))
		}
		future := e.publisher.sendAsync(detached, f.Method, f.Target, f.Message, options...)
		if err := future.Err(); err != nil {
			t.worker.logger.Warn("failed to forward result",
				"worker", t.worker.name,
				"method", f.Method,
				"target", f.Target,
				"error", err,
			)
		}
	}
}

// logError is the default error handler
func (e *Engine) logError(_ context.Context, t *Task, err error) {
	attrs := []any{
		"queue", t.QueueName(),
		"headers", t.Headers().Table,
		"deliveryTag", t.Headers().DeliveryTag,
		"message", t.Message(),
		"error", err,
	}
	var perr *PanicError
	if errors.As(err, &perr) {
		attrs = append(attrs, "stack", string(perr.Stack))
	}
	e.logger.Error("task failed", attrs...)
}

func (e *Engine) runContext() context.Context {
	return e.ctx
}

// Stop unsubscribes every worker and waits for their consume loops to
// finish. Running tasks complete normally unless ctx ends first, in which
// case their context is cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	for _, w := range e.Workers() {
		if err := w.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	e.cancel()
	return errors.Join(errs...)
}
