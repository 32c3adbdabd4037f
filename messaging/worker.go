package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/henchman-go/internal/rabbitmq"
)

// State is a worker lifecycle state
type State int32

const (
	StateRegistered State = iota
	StateSubscribing
	StateConsuming
	StateUnsubscribing
	// StateUnsubscribed is terminal
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateSubscribing:
		return "subscribing"
	case StateConsuming:
		return "consuming"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// resubscribeTimeout bounds restarting a consumer after recovery
const resubscribeTimeout = 30 * time.Second

// Worker consumes a queue or fanout exchange and runs a handler per delivery
type Worker struct {
	id           uuid.UUID
	name         string
	kind         rabbitmq.ExchangeKind
	handler      Handler
	errorHandler ErrorHandler
	middleware   []Middleware
	engine       *Engine
	logger       *slog.Logger

	// subMu serializes starting and cancelling the broker consumer
	subMu sync.Mutex

	mu    sync.Mutex
	state State
	sub   *rabbitmq.Subscription
}

// WorkerOption configures a worker
type WorkerOption func(*Worker)

// WithWorkerErrorHandler overrides the engine error handler for one worker
func WithWorkerErrorHandler(handler ErrorHandler) WorkerOption {
	return func(w *Worker) {
		w.errorHandler = handler
	}
}

// WithMiddleware wraps the worker's handler. The first middleware is the
// outermost.
func WithMiddleware(middleware ...Middleware) WorkerOption {
	return func(w *Worker) {
		w.middleware = append(w.middleware, middleware...)
	}
}

// ID returns the worker ID
func (w *Worker) ID() uuid.UUID {
	return w.id
}

// Name returns the queue or exchange name
func (w *Worker) Name() string {
	return w.name
}

// Kind returns KindDirect for a queue worker and KindFanout for a receiver
func (w *Worker) Kind() rabbitmq.ExchangeKind {
	return w.kind
}

// State returns the lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ConsumerTag returns the tag of the current broker consumer, or "" when
// not subscribed
func (w *Worker) ConsumerTag() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub == nil {
		return ""
	}
	return w.sub.ConsumerTag
}

// Subscribe starts consuming. It returns once the broker confirmed the
// consumer. Subscribing is only allowed from StateRegistered; a failed
// subscribe returns the worker to StateRegistered.
func (w *Worker) Subscribe(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateRegistered {
		state := w.state
		w.mu.Unlock()
		return &StateError{Worker: w.name, Op: "subscribe", State: state}
	}
	w.state = StateSubscribing
	w.mu.Unlock()

	w.engine.manager.AddStateListener(w)

	if err := w.startConsumer(ctx, StateSubscribing, 0); err != nil {
		w.engine.manager.RemoveStateListener(w)
		w.mu.Lock()
		if w.state == StateSubscribing {
			w.state = StateRegistered
		}
		w.mu.Unlock()
		return err
	}

	w.logger.Info("worker subscribed", "worker", w.name, "kind", w.kind, "consumerTag", w.ConsumerTag())
	return nil
}

// Unsubscribe cancels the broker consumer and waits for the broker to
// confirm. It may be called from the worker's own handler; the running task
// completes normally. Deliveries that arrive afterwards are requeued.
func (w *Worker) Unsubscribe(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateUnsubscribing, StateUnsubscribed:
		w.mu.Unlock()
		return nil
	case StateRegistered:
		w.state = StateUnsubscribed
		w.mu.Unlock()
		return nil
	}
	w.state = StateUnsubscribing
	w.mu.Unlock()

	w.engine.manager.RemoveStateListener(w)

	w.subMu.Lock()
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	err := w.engine.consumer.Cancel(ctx, sub)
	w.subMu.Unlock()

	w.mu.Lock()
	w.state = StateUnsubscribed
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("failed to cancel consumer", "worker", w.name, "error", err)
		return err
	}
	w.logger.Info("worker unsubscribed", "worker", w.name)
	return nil
}

// startConsumer starts a broker consumer if the worker is still in want.
// A restart for generation gen is skipped when the current consumer
// already lives on that generation or a later one.
func (w *Worker) startConsumer(ctx context.Context, want State, gen uint64) error {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	w.mu.Lock()
	state, current := w.state, w.sub
	w.mu.Unlock()
	if state != want {
		return &StateError{Worker: w.name, Op: "subscribe", State: state}
	}
	if gen > 0 && current != nil && current.Generation >= gen {
		return nil
	}

	tag := w.name + "-" + uuid.NewString()

	var (
		sub *rabbitmq.Subscription
		err error
	)
	if w.kind == rabbitmq.KindFanout {
		sub, err = w.engine.consumer.ConsumeFanout(ctx, w.name, tag)
	} else {
		sub, err = w.engine.consumer.Consume(ctx, w.name, tag)
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.sub = sub
	if w.state == StateSubscribing {
		w.state = StateConsuming
	}
	w.mu.Unlock()

	w.engine.loops.Add(1)
	go w.consume(sub)
	return nil
}

// dispatching reports whether a delivery from sub may run a task
func (w *Worker) dispatching(sub *rabbitmq.Subscription) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateConsuming && w.sub == sub
}

func (w *Worker) consume(sub *rabbitmq.Subscription) {
	defer w.engine.loops.Done()

	for d := range sub.Deliveries {
		if !w.dispatching(sub) {
			if err := d.Nack(false, true); err != nil {
				w.logger.Debug("failed to requeue delivery", "worker", w.name, "deliveryTag", d.DeliveryTag, "error", err)
			}
			continue
		}
		w.engine.execute(w.engine.runContext(), w, d)
	}

	if w.dispatching(sub) {
		w.logger.Warn("consumer stopped, waiting for recovery", "worker", w.name, "consumerTag", sub.ConsumerTag)
	}
}

// OnDisconnected implements rabbitmq.StateListener
func (w *Worker) OnDisconnected(err error) {
	w.logger.Debug("worker lost its channel", "worker", w.name, "error", err)
}

// OnReconnecting implements rabbitmq.StateListener
func (w *Worker) OnReconnecting(attempt int) {
	w.logger.Debug("worker waiting for reconnect", "worker", w.name, "attempt", attempt)
}

// OnRecovered implements rabbitmq.StateListener. A consuming worker
// restarts its consumer on the new channel.
func (w *Worker) OnRecovered(generation uint64) {
	if w.State() != StateConsuming {
		return
	}

	ctx, cancel := context.WithTimeout(w.engine.runContext(), resubscribeTimeout)
	defer cancel()

	err := w.startConsumer(ctx, StateConsuming, generation)
	switch {
	case err == nil:
		w.logger.Info("worker resubscribed", "worker", w.name, "generation", generation, "consumerTag", w.ConsumerTag())
	case errors.Is(err, ErrInvalidState):
		// unsubscribed meanwhile
	default:
		w.logger.Error("failed to resubscribe worker", "worker", w.name, "generation", generation, "error", err)
	}
}
