package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/henchman-go/internal/rabbitmq"
	"github.com/glimte/henchman-go/serialization"
)

// PublishObserver is told about every finished publish
type PublishObserver interface {
	ObservePublish(method Method, target string, duration time.Duration, err error)
}

// Publisher encodes messages and sends them with broker confirmation
type Publisher struct {
	publisher *rabbitmq.Publisher
	codec     serialization.Codec
	logger    *slog.Logger
	observer  PublishObserver
	detached  *tracker
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithCodec sets the message codec
func WithCodec(codec serialization.Codec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// WithPublishObserver reports every publish outcome to observer
func WithPublishObserver(observer PublishObserver) PublisherOption {
	return func(p *Publisher) {
		p.observer = observer
	}
}

// NewPublisher creates a new publisher
func NewPublisher(publisher *rabbitmq.Publisher, options ...PublisherOption) *Publisher {
	p := &Publisher{
		publisher: publisher,
		codec:     serialization.NewJSONCodec(),
		logger:    slog.Default(),
		detached:  &tracker{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOptions configures a single publish
type PublishOptions struct {
	Route         Route
	Headers       amqp.Table
	MessageID     string
	CorrelationID string
	TTL           time.Duration
	Priority      uint8
	// DeliveryMode 0 picks persistent for enqueue and transient for publish
	DeliveryMode uint8
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithRoute attaches the hops the receiving worker forwards its result along
func WithRoute(route Route) PublishOption {
	return func(opts *PublishOptions) {
		opts.Route = route
	}
}

// WithHeader sets an application header
func WithHeader(key string, value any) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(amqp.Table)
		}
		opts.Headers[key] = value
	}
}

// WithMessageID overrides the generated message ID
func WithMessageID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.MessageID = id
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.CorrelationID = id
	}
}

// WithTTL sets the message time-to-live
func WithTTL(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.TTL = ttl
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// WithPersistent sets the delivery mode
func WithPersistent(persistent bool) PublishOption {
	return func(opts *PublishOptions) {
		if persistent {
			opts.DeliveryMode = amqp.Persistent
		} else {
			opts.DeliveryMode = amqp.Transient
		}
	}
}

// Enqueue sends msg to the named queue, declaring it if needed, and waits
// for the broker to confirm
func (p *Publisher) Enqueue(ctx context.Context, queue string, msg any, options ...PublishOption) error {
	return p.send(ctx, MethodEnqueue, queue, msg, options...)
}

// EnqueueAsync is Enqueue without waiting
func (p *Publisher) EnqueueAsync(ctx context.Context, queue string, msg any, options ...PublishOption) *Future {
	return p.sendAsync(ctx, MethodEnqueue, queue, msg, options...)
}

// Publish broadcasts msg on the named fanout exchange, declaring it if
// needed, and waits for the broker to confirm
func (p *Publisher) Publish(ctx context.Context, exchange string, msg any, options ...PublishOption) error {
	return p.send(ctx, MethodPublish, exchange, msg, options...)
}

// PublishAsync is Publish without waiting
func (p *Publisher) PublishAsync(ctx context.Context, exchange string, msg any, options ...PublishOption) *Future {
	return p.sendAsync(ctx, MethodPublish, exchange, msg, options...)
}

// Dispatch sends msg to the first hop of route, enqueueing unless the hop
// says publish, and attaches the remaining hops as the route header
func (p *Publisher) Dispatch(ctx context.Context, route Route, msg any, options ...PublishOption) error {
	head, ok := route.Head()
	if !ok {
		return &RouteError{Route: route.String(), Reason: "no hops"}
	}
	options = append(options, WithRoute(route.Tail()))
	return p.send(ctx, head.Resolve(rabbitmq.KindDirect), head.Queue, msg, options...)
}

func (p *Publisher) sendAsync(ctx context.Context, method Method, target string, msg any, options ...PublishOption) *Future {
	// encode up front so bad messages fail before any goroutine is spawned
	publishing, err := p.encode(method, msg, options)
	if err != nil {
		return failedFuture(err)
	}
	return p.detached.Go(func() error {
		return p.emit(ctx, method, target, publishing)
	})
}

func (p *Publisher) send(ctx context.Context, method Method, target string, msg any, options ...PublishOption) error {
	publishing, err := p.encode(method, msg, options)
	if err != nil {
		return err
	}
	return p.emit(ctx, method, target, publishing)
}

func (p *Publisher) encode(method Method, msg any, options []PublishOption) (amqp.Publishing, error) {
	opts := PublishOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	body, err := p.codec.Encode(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}

	headers := amqp.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if len(opts.Route) > 0 {
		headers[HeaderRoute] = opts.Route.String()
	}

	if opts.MessageID == "" {
		opts.MessageID = uuid.NewString()
	}
	if opts.DeliveryMode == 0 {
		opts.DeliveryMode = amqp.Transient
		if method == MethodEnqueue {
			opts.DeliveryMode = amqp.Persistent
		}
	}

	publishing := amqp.Publishing{
		Headers:       headers,
		ContentType:   p.codec.ContentType(),
		DeliveryMode:  opts.DeliveryMode,
		Priority:      opts.Priority,
		CorrelationId: opts.CorrelationID,
		MessageId:     opts.MessageID,
		Timestamp:     time.Now(),
		Body:          body,
	}
	if opts.TTL > 0 {
		publishing.Expiration = fmt.Sprintf("%d", opts.TTL.Milliseconds())
	}
	return publishing, nil
}

func (p *Publisher) emit(ctx context.Context, method Method, target string, publishing amqp.Publishing) error {
	start := time.Now()

	var err error
	switch method {
	case MethodPublish:
		err = p.publisher.Publish(ctx, target, rabbitmq.KindFanout, "", publishing)
	default:
		err = p.publisher.PublishToQueue(ctx, target, publishing)
	}

	if p.observer != nil {
		p.observer.ObservePublish(method, target, time.Since(start), err)
	}

	if err != nil {
		p.logger.Error("failed to publish message",
			"messageId", publishing.MessageId,
			"method", method,
			"target", target,
			"error", err,
		)
		return err
	}

	p.logger.Debug("message published",
		"messageId", publishing.MessageId,
		"method", method,
		"target", target,
	)
	return nil
}

// Drain stops accepting asynchronous publishes and waits for running ones
func (p *Publisher) Drain(ctx context.Context) error {
	return p.detached.close(ctx)
}
