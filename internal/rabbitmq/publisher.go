package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/henchman-go/internal/reliability"
)

// Publisher publishes messages with broker confirmation over the manager's
// shared channel
type Publisher struct {
	manager        *ConnectionManager
	confirmTimeout time.Duration
	publishTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker ack
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout used when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets how often a publish lost to a closed channel is
// attempted again on the replacement channel
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		if retries <= 0 {
			p.retryPolicy = reliability.NoRetry
			return
		}
		p.retryPolicy = reliability.NewFixedDelay(delay, retries)
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 30 * time.Second,
		retryPolicy:    reliability.NewFixedDelay(100*time.Millisecond, 3),
		logger:         manager.logger,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish declares the exchange of the given kind if needed, publishes msg
// and waits for the broker to confirm it. The default exchange routes by
// queue name and is never declared.
func (p *Publisher) Publish(ctx context.Context, exchange string, kind ExchangeKind, routingKey string, msg amqp.Publishing) error {
	return p.publish(ctx, exchange, routingKey, msg, func(fn func(Channel) error) error {
		return p.manager.WithExchange(ctx, exchange, kind, fn)
	})
}

// PublishToQueue declares the named queue if needed and publishes msg to it
// through the default exchange
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, msg amqp.Publishing) error {
	return p.publish(ctx, DefaultExchange, queue, msg, func(fn func(Channel) error) error {
		return p.manager.WithQueue(ctx, queue, func(ch Channel, _ amqp.Queue) error {
			return fn(ch)
		})
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing, with func(func(Channel) error) error) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	err := reliability.Retry(ctx, p.retryPolicy, func() error {
		var (
			ch Channel
			dc *amqp.DeferredConfirmation
		)
		err := with(func(c Channel) error {
			ch = c
			var err error
			dc, err = c.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
			return err
		})
		if err != nil {
			return classifyPublishError(err)
		}
		return p.waitConfirm(ctx, ch, dc)
	})
	if err != nil {
		p.logger.Debug("publish failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err,
		)
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return nil
}

// waitConfirm waits for the broker ack of one publish. A nil confirmation
// means the channel is not in confirm mode and counts as confirmed.
func (p *Publisher) waitConfirm(ctx context.Context, ch Channel, dc *amqp.DeferredConfirmation) error {
	if dc == nil {
		return nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case <-dc.Done():
		if dc.Acked() {
			return nil
		}
		// outstanding confirms resolve as nacks when the channel dies
		if ch != nil && ch.IsClosed() {
			return fmt.Errorf("%w: %w", ErrChannelClosed, ErrPublishNotConfirmed)
		}
		return reliability.Permanent(ErrPublishNotConfirmed)

	case <-timer.C:
		return reliability.Permanent(ErrPublishTimeout)

	case <-ctx.Done():
		return reliability.Permanent(ctx.Err())
	}
}

// classifyPublishError marks errors a fresh channel cannot fix as permanent
func classifyPublishError(err error) error {
	switch {
	case errors.Is(err, amqp.ErrClosed), errors.Is(err, ErrChannelClosed):
		return err
	case IsFatal(err):
		return reliability.Permanent(err)
	}

	var topoErr *TopologyError
	if errors.As(err, &topoErr) {
		return reliability.Permanent(err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && !amqpErr.Recover {
		return reliability.Permanent(err)
	}

	return err
}
