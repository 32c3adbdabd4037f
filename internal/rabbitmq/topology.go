package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the topology a worker or publish targets
type ExchangeKind string

const (
	// KindDirect routes to a single queue by routing key (competing consumers)
	KindDirect ExchangeKind = amqp.ExchangeDirect
	// KindFanout copies each message to every bound queue
	KindFanout ExchangeKind = amqp.ExchangeFanout
)

// DefaultExchange is the broker's nameless direct exchange that routes by queue name
const DefaultExchange = ""

// QueueOptions configures declared named queues
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// ExchangeOptions configures declared exchanges
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// ChannelOptions configures the shared channel
type ChannelOptions struct {
	// Prefetch bounds unacknowledged deliveries per consumer
	Prefetch int
	// AutoRecovery reopens the connection and channel after broker-side failures
	AutoRecovery bool
}

// DefaultQueueOptions returns durable, auto-deleted queues
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{Durable: true, AutoDelete: true}
}

// DefaultExchangeOptions returns auto-deleted exchanges
func DefaultExchangeOptions() ExchangeOptions {
	return ExchangeOptions{AutoDelete: true}
}

// DefaultChannelOptions returns prefetch 1 with recovery enabled
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{Prefetch: 1, AutoRecovery: true}
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name    string
	Kind    ExchangeKind
	Options ExchangeOptions
}

// QueueDeclaration defines a named queue to be declared
type QueueDeclaration struct {
	Name    string
	Options QueueOptions
}

// topology memoizes what was declared on the current channel and keeps the
// full set of declarations so they can be replayed on a new channel.
// Callers hold the manager lock.
type topology struct {
	exchanges map[string]ExchangeDeclaration
	queues    map[string]QueueDeclaration
	// declared on the current channel generation
	liveExchanges map[string]bool
	liveQueues    map[string]amqp.Queue
}

func newTopology() *topology {
	return &topology{
		exchanges:     make(map[string]ExchangeDeclaration),
		queues:        make(map[string]QueueDeclaration),
		liveExchanges: make(map[string]bool),
		liveQueues:    make(map[string]amqp.Queue),
	}
}

// reset forgets what was declared on the previous channel
func (t *topology) reset() {
	t.liveExchanges = make(map[string]bool)
	t.liveQueues = make(map[string]amqp.Queue)
}

func (t *topology) ensureExchange(ch Channel, decl ExchangeDeclaration) error {
	if decl.Name == DefaultExchange || t.liveExchanges[decl.Name] {
		return nil
	}
	if err := declareExchange(ch, decl); err != nil {
		return err
	}
	t.exchanges[decl.Name] = decl
	t.liveExchanges[decl.Name] = true
	return nil
}

func (t *topology) ensureQueue(ch Channel, decl QueueDeclaration) (amqp.Queue, error) {
	if q, ok := t.liveQueues[decl.Name]; ok {
		return q, nil
	}
	q, err := declareQueue(ch, decl)
	if err != nil {
		return amqp.Queue{}, err
	}
	t.queues[decl.Name] = decl
	t.liveQueues[decl.Name] = q
	return q, nil
}

// replay redeclares every known exchange and named queue on a fresh channel
func (t *topology) replay(ch Channel) error {
	t.reset()
	for _, decl := range t.exchanges {
		if err := t.ensureExchange(ch, decl); err != nil {
			return err
		}
	}
	for _, decl := range t.queues {
		if _, err := t.ensureQueue(ch, decl); err != nil {
			return err
		}
	}
	return nil
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, decl ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		decl.Name,
		string(decl.Kind),
		decl.Options.Durable,
		decl.Options.AutoDelete,
		false, // internal
		false, // no-wait
		decl.Options.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: decl.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, decl QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		decl.Name,
		decl.Options.Durable,
		decl.Options.AutoDelete,
		false, // exclusive
		false, // no-wait
		decl.Options.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: decl.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// declareFanoutQueue declares a server-named exclusive queue bound to exchange
func declareFanoutQueue(ch Channel, exchange string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: "(anonymous)", Op: "declare", Err: err, Timestamp: time.Now()}
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", exchange, q.Name),
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}
