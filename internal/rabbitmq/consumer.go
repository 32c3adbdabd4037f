package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscription is an active broker consumer
type Subscription struct {
	Queue       string
	ConsumerTag string
	// Generation of the channel the consumer lives on
	Generation uint64
	Deliveries <-chan amqp.Delivery

	ch Channel
}

// Consumer starts and cancels broker consumers on the manager's shared channel
type Consumer struct {
	manager *ConnectionManager
	logger  *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager: manager,
		logger:  manager.logger,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume declares the named queue and starts a manual-ack consumer on it.
// It returns once the broker confirmed the consumer.
func (c *Consumer) Consume(ctx context.Context, queue, consumerTag string) (*Subscription, error) {
	var sub *Subscription
	err := c.manager.WithQueue(ctx, queue, func(ch Channel, q amqp.Queue) error {
		var err error
		sub, err = c.consume(ch, q.Name, consumerTag)
		return err
	})
	if err != nil {
		return nil, c.wrap(queue, consumerTag, "consume", err)
	}
	c.logger.Debug("consumer started", "queue", sub.Queue, "consumerTag", consumerTag, "generation", sub.Generation)
	return sub, nil
}

// ConsumeFanout declares the fanout exchange, binds a fresh exclusive queue
// to it and starts a manual-ack consumer on that queue.
func (c *Consumer) ConsumeFanout(ctx context.Context, exchange, consumerTag string) (*Subscription, error) {
	var sub *Subscription
	err := c.manager.WithFanoutQueue(ctx, exchange, func(ch Channel, q amqp.Queue) error {
		var err error
		sub, err = c.consume(ch, q.Name, consumerTag)
		return err
	})
	if err != nil {
		return nil, c.wrap(exchange, consumerTag, "consume", err)
	}
	c.logger.Debug("fanout consumer started",
		"exchange", exchange,
		"queue", sub.Queue,
		"consumerTag", consumerTag,
		"generation", sub.Generation,
	)
	return sub, nil
}

func (c *Consumer) consume(ch Channel, queue, consumerTag string) (*Subscription, error) {
	gen := c.manager.ChannelGeneration(ch)
	if gen == 0 {
		return nil, ErrChannelClosed
	}

	deliveries, err := ch.Consume(
		queue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, err
	}

	return &Subscription{
		Queue:       queue,
		ConsumerTag: consumerTag,
		Generation:  gen,
		Deliveries:  deliveries,
		ch:          ch,
	}, nil
}

// Cancel stops the broker from sending further deliveries to sub and waits
// for the broker to confirm. The delivery channel is closed afterwards.
// A consumer whose channel is already gone is treated as cancelled.
func (c *Consumer) Cancel(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.ch == nil || sub.ch.IsClosed() {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- sub.ch.Cancel(sub.ConsumerTag, false)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return c.wrap(sub.Queue, sub.ConsumerTag, "cancel", err)
		}
		c.logger.Debug("consumer cancelled", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
		return nil
	case <-ctx.Done():
		return c.wrap(sub.Queue, sub.ConsumerTag, "cancel", fmt.Errorf("%w: %w", ErrConsumerCancelled, ctx.Err()))
	}
}

func (c *Consumer) wrap(queue, consumerTag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
