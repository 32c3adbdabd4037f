// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq Dialer, Connection and Channel interfaces for tests.
//
// It models the default exchange, direct and fanout exchanges, named and
// server-named queues, round-robin consumers bounded by per-consumer prefetch, manual
// acknowledgements and broker-side channel or connection failures.
// Redeclaring a queue or exchange with different arguments closes the
// channel with PRECONDITION_FAILED. Only exclusive queues are auto-deleted.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/henchman-go/internal/rabbitmq"
)

const defaultBuffer = 1024

// AckKind is how a delivery was settled
type AckKind string

const (
	Acked    AckKind = "ack"
	Nacked   AckKind = "nack"
	Rejected AckKind = "reject"
)

// Settlement records one acknowledgement sent by a client
type Settlement struct {
	Queue       string
	ConsumerTag string
	Kind        AckKind
	Requeue     bool
	Body        []byte
	Headers     amqp.Table
}

// Published records one message accepted by the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Conn
	ready      []message
	consumers  []*consumer
	next       int
}

type consumer struct {
	tag        string
	queue      *queue
	ch         *Channel
	deliveries chan amqp.Delivery
	unacked    int
}

type inflight struct {
	msg      message
	queue    *queue
	consumer *consumer
}

// Broker is an in-memory AMQP broker
type Broker struct {
	mu sync.Mutex

	queues    map[string]*queue
	exchanges map[string]string
	bindings  map[string][]binding
	conns     []*Conn

	dialErr   error
	dials     int
	nameSeq   int
	declares  map[string]int
	published []Published
	settled   []Settlement
	protoErrs []*amqp.Error
}

// New returns an empty broker
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]string),
		bindings:  make(map[string][]binding),
		declares:  make(map[string]int),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(_ amqp.URI, _ amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &Conn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// SetDialError makes every following dial fail with err until reset with nil
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns how often Dial was called
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenChannels returns the number of open channels over all connections
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			if !ch.closed {
				n++
			}
		}
	}
	return n
}

// CloseChannels closes every open channel from the broker side with err
func (b *Broker) CloseChannels(err *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			if !ch.closed {
				ch.shutdownLocked(err)
			}
		}
	}
}

// CloseConnections closes every open connection from the broker side with err
func (b *Broker) CloseConnections(err *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		if !conn.closed {
			conn.shutdownLocked(err)
		}
	}
}

// Publish injects a message as if a client published it
func (b *Broker) Publish(exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routeLocked(exchange, routingKey, msg)
}

// DeclareQueue creates a named queue with the default queue options, as if
// another client had declared it first
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		opts := rabbitmq.DefaultQueueOptions()
		b.queues[name] = &queue{name: name, durable: opts.Durable, autoDelete: opts.AutoDelete}
	}
}

// Published returns every message accepted so far
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Settlements returns every acknowledgement received so far
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settled...)
}

// ProtocolErrors returns channel exceptions raised by client misuse,
// such as settling a delivery twice
func (b *Broker) ProtocolErrors() []*amqp.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*amqp.Error(nil), b.protoErrs...)
}

// Declares returns how often the named exchange or queue was declared
func (b *Broker) Declares(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares[name]
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// HasExchange reports whether the exchange exists
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Ready returns the number of messages waiting in the queue
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Consumers returns the number of consumers on the queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Bound returns the names of queues bound to the exchange
func (b *Broker) Bound(exchange string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for _, bnd := range b.bindings[exchange] {
		names = append(names, bnd.queue)
	}
	return names
}

func (b *Broker) routeLocked(exchange, routingKey string, pub amqp.Publishing) error {
	if exchange == rabbitmq.DefaultExchange {
		b.published = append(b.published, Published{Exchange: exchange, RoutingKey: routingKey, Msg: pub})
		if q, ok := b.queues[routingKey]; ok {
			b.enqueueLocked(q, message{exchange: exchange, routingKey: routingKey, pub: pub})
		}
		return nil
	}

	kind, ok := b.exchanges[exchange]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: routingKey, Msg: pub})

	for _, bnd := range b.bindings[exchange] {
		if kind == amqp.ExchangeDirect && bnd.key != routingKey {
			continue
		}
		if q, ok := b.queues[bnd.queue]; ok {
			b.enqueueLocked(q, message{exchange: exchange, routingKey: routingKey, pub: pub})
		}
	}
	return nil
}

func (b *Broker) enqueueLocked(q *queue, msg message) {
	q.ready = append(q.ready, msg)
	b.dispatchLocked(q)
}

// dispatchLocked hands ready messages to consumers round-robin, honouring
// each channel's prefetch
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.hasCapacityLocked() {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]
		target.ch.deliverLocked(target, msg)
	}
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	close(c.deliveries)

	if q.exclusive && len(q.consumers) == 0 {
		b.deleteQueueLocked(q)
	}
}

func (b *Broker) deleteQueueLocked(q *queue) {
	delete(b.queues, q.name)
	for ex, bnds := range b.bindings {
		kept := bnds[:0]
		for _, bnd := range bnds {
			if bnd.queue != q.name {
				kept = append(kept, bnd)
			}
		}
		b.bindings[ex] = kept
	}
}

// Conn is an in-memory connection
type Conn struct {
	broker   *Broker
	channels []*Channel
	notify   []chan *amqp.Error
	closed   bool
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*inflight),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

func (c *Conn) shutdownLocked(err *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdownLocked(err)
		}
	}
	for _, q := range c.broker.queues {
		if q.exclusive && q.owner == c {
			c.broker.deleteQueueLocked(q)
		}
	}
	notifyAll(c.notify, err)
	c.notify = nil
}

// Channel is an in-memory channel
type Channel struct {
	broker *Broker
	conn   *Conn

	prefetch  int
	confirm   bool
	closed    bool
	nextTag   uint64
	tagSeq    int
	consumers map[string]*consumer
	unacked   map[uint64]*inflight
	notify    []chan *amqp.Error
}

// hasCapacityLocked applies the channel prefetch per consumer
func (c *consumer) hasCapacityLocked() bool {
	limit := c.ch.prefetch
	if limit <= 0 || limit > defaultBuffer {
		limit = defaultBuffer
	}
	return c.unacked < limit
}

func (ch *Channel) deliverLocked(c *consumer, msg message) {
	ch.nextTag++
	tag := ch.nextTag
	ch.unacked[tag] = &inflight{msg: msg, queue: c.queue, consumer: c}
	c.unacked++

	pub := msg.pub
	c.deliveries <- amqp.Delivery{
		Acknowledger:    ch,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            pub.Body,
	}
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(_ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	b.declares[name]++
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		err := &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name),
		}
		ch.shutdownLocked(err)
		return err
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		b.nameSeq++
		name = fmt.Sprintf("amq.gen-%d", b.nameSeq)
	}
	b.declares[name]++

	q, ok := b.queues[name]
	if ok && (q.durable != durable || q.autoDelete != autoDelete) {
		arg := "durable"
		if q.durable == durable {
			arg = "auto_delete"
		}
		err := &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg '%s' for queue '%s'", arg, name),
		}
		ch.shutdownLocked(err)
		return amqp.Queue{}, err
	}
	if !ok {
		q = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	if _, ok := b.exchanges[exchange]; !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
		ch.shutdownLocked(err)
		return err
	}
	if _, ok := b.queues[name]; !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
		ch.shutdownLocked(err)
		return err
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: name, key: key})
	return nil
}

// PublishWithDeferredConfirmWithContext implements rabbitmq.Channel. The
// broker accepts synchronously, so no confirmation is returned.
func (ch *Channel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	if err := b.routeLocked(exchange, key, msg); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			ch.shutdownLocked(amqpErr)
		}
		return nil, err
	}
	return nil, nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, consumerTag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
		ch.shutdownLocked(err)
		return nil, err
	}

	if consumerTag == "" {
		ch.tagSeq++
		consumerTag = fmt.Sprintf("ctag-%d", ch.tagSeq)
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		err := &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag)}
		ch.shutdownLocked(err)
		return nil, err
	}

	c := &consumer{
		tag:        consumerTag,
		queue:      q,
		ch:         ch,
		deliveries: make(chan amqp.Delivery, defaultBuffer),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)

	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel. Deliveries already handed out stay
// readable on the closed delivery channel and remain unacknowledged.
func (ch *Channel) Cancel(consumerTag string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	b.removeConsumerLocked(c)
	return nil
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notify = append(ch.notify, c)
	return c
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

// shutdownLocked requeues unacknowledged deliveries, drops consumers and
// notifies listeners. A nil err is a client-initiated close.
func (ch *Channel) shutdownLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		b.removeConsumerLocked(c)
	}

	touched := make(map[*queue]bool)
	for tag, in := range ch.unacked {
		delete(ch.unacked, tag)
		if _, alive := b.queues[in.queue.name]; !alive {
			continue
		}
		msg := in.msg
		msg.redelivered = true
		in.queue.ready = append([]message{msg}, in.queue.ready...)
		touched[in.queue] = true
	}
	for q := range touched {
		b.dispatchLocked(q)
	}

	notifyAll(ch.notify, err)
	ch.notify = nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, Acked, false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, Nacked, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, Rejected, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, kind AckKind, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	}

	touched := make(map[*queue]bool)
	for _, t := range tags {
		in, ok := ch.unacked[t]
		if !ok {
			err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t)}
			b.protoErrs = append(b.protoErrs, err)
			ch.shutdownLocked(err)
			return nil
		}
		delete(ch.unacked, t)
		in.consumer.unacked--

		b.settled = append(b.settled, Settlement{
			Queue:       in.queue.name,
			ConsumerTag: in.consumer.tag,
			Kind:        kind,
			Requeue:     requeue,
			Body:        in.msg.pub.Body,
			Headers:     in.msg.pub.Headers,
		})

		if requeue && kind != Acked {
			if _, alive := b.queues[in.queue.name]; alive {
				msg := in.msg
				msg.redelivered = true
				in.queue.ready = append(in.queue.ready, msg)
			}
		}
		touched[in.queue] = true
	}

	// freed prefetch capacity may unblock any queue this channel consumes
	for _, c := range ch.consumers {
		touched[c.queue] = true
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
	return nil
}

func notifyAll(receivers []chan *amqp.Error, err *amqp.Error) {
	for _, c := range receivers {
		if err != nil {
			select {
			case c <- err:
			default:
			}
		}
		close(c)
	}
}
