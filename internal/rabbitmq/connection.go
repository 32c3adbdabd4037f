package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/henchman-go/internal/reliability"
)

// StateListener receives connection state change notifications
type StateListener interface {
	// OnDisconnected is called when the connection or channel was lost
	OnDisconnected(err error)
	// OnReconnecting is called before each recovery attempt
	OnReconnecting(attempt int)
	// OnRecovered is called once a replacement channel is open and the
	// known topology was redeclared on it
	OnRecovered(generation uint64)
}

// ConnectionManager lazily opens and caches one connection and one channel,
// memoizes declared exchanges and queues, and reopens everything after
// broker-side failures.
type ConnectionManager struct {
	url    string
	uri    amqp.URI
	dial   Dialer
	config amqp.Config
	logger *slog.Logger

	queueOptions    QueueOptions
	exchangeOptions ExchangeOptions
	channelOptions  ChannelOptions
	reconnectPolicy reliability.RetryPolicy

	mu         sync.Mutex
	conn       Connection
	ch         Channel
	generation uint64
	topology   *topology
	closed     bool
	recovering bool
	done       chan struct{}

	stateListeners []StateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithAMQPConfig sets the amqp091 connection config (heartbeat, TLS, properties)
func WithAMQPConfig(config amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config = config
	}
}

// WithQueueOptions sets the options used for named queue declarations
func WithQueueOptions(opts QueueOptions) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.queueOptions = opts
	}
}

// WithExchangeOptions sets the options used for exchange declarations
func WithExchangeOptions(opts ExchangeOptions) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.exchangeOptions = opts
	}
}

// WithChannelOptions sets prefetch and recovery behaviour of the shared channel
func WithChannelOptions(opts ChannelOptions) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.channelOptions = opts
	}
}

// WithReconnectPolicy sets the retry policy of the recovery loop
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectPolicy = policy
	}
}

// WithReconnectDelay sets the initial delay of the default exponential reconnect policy
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectPolicy = reliability.NewExponentialBackoff(delay, 30*time.Second, 2.0, 0)
	}
}

// NewConnectionManager parses url and returns a manager. It does not
// connect: the first accessor call dials the broker.
func NewConnectionManager(url string, options ...ConnectionOption) (*ConnectionManager, error) {
	uri, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	cm := &ConnectionManager{
		url:             url,
		uri:             uri,
		dial:            DialAMQP,
		logger:          slog.Default(),
		queueOptions:    DefaultQueueOptions(),
		exchangeOptions: DefaultExchangeOptions(),
		channelOptions:  DefaultChannelOptions(),
		reconnectPolicy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0),
		topology:        newTopology(),
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.config.Vhost == "" {
		cm.config.Vhost = uri.Vhost
	}

	return cm, nil
}

// URI returns the parsed connection parameters
func (cm *ConnectionManager) URI() amqp.URI {
	return cm.uri
}

// QueueOptions returns the options used for named queues
func (cm *ConnectionManager) QueueOptions() QueueOptions {
	return cm.queueOptions
}

// WithConnection invokes fn with an open connection
func (cm *ConnectionManager) WithConnection(ctx context.Context, fn func(Connection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cm.mu.Lock()
	conn, err := cm.connectionLocked()
	cm.mu.Unlock()
	if err != nil {
		return err
	}

	return fn(conn)
}

// WithChannel invokes fn with an open, configured channel
func (cm *ConnectionManager) WithChannel(ctx context.Context, fn func(Channel) error) error {
	ch, _, err := cm.acquire(ctx)
	if err != nil {
		return err
	}
	return fn(ch)
}

// WithExchange declares the exchange once per channel and invokes fn.
// The default exchange is never declared.
func (cm *ConnectionManager) WithExchange(ctx context.Context, name string, kind ExchangeKind, fn func(Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cm.mu.Lock()
	ch, err := cm.channelLocked()
	if err == nil {
		err = cm.topology.ensureExchange(ch, ExchangeDeclaration{Name: name, Kind: kind, Options: cm.exchangeOptions})
	}
	cm.mu.Unlock()
	if err != nil {
		return err
	}

	return fn(ch)
}

// WithQueue declares the named queue once per channel and invokes fn
func (cm *ConnectionManager) WithQueue(ctx context.Context, name string, fn func(Channel, amqp.Queue) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cm.mu.Lock()
	var q amqp.Queue
	ch, err := cm.channelLocked()
	if err == nil {
		q, err = cm.topology.ensureQueue(ch, QueueDeclaration{Name: name, Options: cm.queueOptions})
	}
	cm.mu.Unlock()
	if err != nil {
		return err
	}

	return fn(ch, q)
}

// WithFanoutQueue declares the fanout exchange and a fresh exclusive queue
// bound to it, then invokes fn. Every call yields a distinct queue.
func (cm *ConnectionManager) WithFanoutQueue(ctx context.Context, exchange string, fn func(Channel, amqp.Queue) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cm.mu.Lock()
	var q amqp.Queue
	ch, err := cm.channelLocked()
	if err == nil {
		err = cm.topology.ensureExchange(ch, ExchangeDeclaration{Name: exchange, Kind: KindFanout, Options: cm.exchangeOptions})
	}
	if err == nil {
		q, err = declareFanoutQueue(ch, exchange)
	}
	cm.mu.Unlock()
	if err != nil {
		return err
	}

	return fn(ch, q)
}

// ChannelGeneration returns the generation of ch if it is still the
// current channel, or 0 if it was replaced.
func (cm *ConnectionManager) ChannelGeneration(ch Channel) uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if ch == nil || cm.ch != ch {
		return 0
	}
	return cm.generation
}

// Generation returns the generation of the most recently opened channel
func (cm *ConnectionManager) Generation() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.generation
}

// IsConnected reports whether an open connection is cached
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return !cm.closed && cm.conn != nil && !cm.conn.IsClosed()
}

// IsChannelOpen reports whether an open channel is cached
func (cm *ConnectionManager) IsChannelOpen() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return !cm.closed && cm.ch != nil && !cm.ch.IsClosed()
}

// IsClosed reports whether Close was called
func (cm *ConnectionManager) IsClosed() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.closed
}

// Close closes the channel, then the connection. Further accessor calls
// return ErrNotConnected. Calling Close again is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	ch, conn := cm.ch, cm.conn
	cm.ch, cm.conn = nil, nil
	cm.mu.Unlock()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	cm.logger.Info("connection manager closed", "url", SanitizeURL(cm.url))
	return errors.Join(errs...)
}

// acquire returns the current channel and its generation
func (cm *ConnectionManager) acquire(ctx context.Context) (Channel, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	ch, err := cm.channelLocked()
	if err != nil {
		return nil, 0, err
	}
	return ch, cm.generation, nil
}

// connectionLocked returns the cached connection, dialing if needed.
// cm.mu must be held.
func (cm *ConnectionManager) connectionLocked() (Connection, error) {
	if cm.closed {
		return nil, ErrNotConnected
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, nil
	}

	conn, err := cm.dial(cm.uri, cm.config)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	// any cached channel belonged to the previous connection
	cm.conn = conn
	cm.ch = nil
	cm.topology.reset()

	go cm.watchConnection(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url), "vhost", cm.uri.Vhost)
	return conn, nil
}

// channelLocked returns the cached channel, opening and configuring a new
// one if needed. cm.mu must be held.
func (cm *ConnectionManager) channelLocked() (Channel, error) {
	conn, err := cm.connectionLocked()
	if err != nil {
		return nil, err
	}
	if cm.ch != nil && !cm.ch.IsClosed() {
		return cm.ch, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:         "open",
			Generation: cm.generation + 1,
			Err:        fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp:  time.Now(),
		}
	}

	if err := cm.setupChannel(ch); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "setup", Generation: cm.generation + 1, Err: err, Timestamp: time.Now()}
	}

	cm.generation++
	cm.ch = ch
	gen := cm.generation

	go cm.watchChannel(ch, gen, ch.NotifyClose(make(chan *amqp.Error, 1)))

	cm.logger.Debug("channel opened",
		"generation", gen,
		"prefetch", cm.channelOptions.Prefetch,
	)

	// consumers bound to an earlier channel need to start again
	if gen > 1 {
		cm.notifyRecovered(gen)
	}

	return ch, nil
}

// setupChannel applies prefetch, enables confirms and redeclares topology
func (cm *ConnectionManager) setupChannel(ch Channel) error {
	if err := ch.Qos(cm.channelOptions.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}
	if err := cm.topology.replay(ch); err != nil {
		return fmt.Errorf("replay topology: %w", err)
	}
	return nil
}

// watchConnection drops the cached handles once conn closes and starts recovery
func (cm *ConnectionManager) watchConnection(conn Connection, notify chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		cm.mu.Lock()
		if cm.conn == conn {
			cm.conn = nil
			cm.ch = nil
			cm.topology.reset()
		}
		closed := cm.closed
		cm.mu.Unlock()

		if closed || !ok || err == nil {
			return
		}

		cm.logger.Error("connection closed", "error", err)
		cm.notifyDisconnected(&ConnectionError{
			Op:        "connection",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		})
		cm.startRecovery()

	case <-cm.done:
	}
}

// watchChannel drops the cached channel once it closes and starts recovery
func (cm *ConnectionManager) watchChannel(ch Channel, gen uint64, notify chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		cm.mu.Lock()
		if cm.ch == ch {
			cm.ch = nil
			cm.topology.reset()
		}
		closed := cm.closed
		cm.mu.Unlock()

		if closed || !ok || err == nil {
			return
		}

		cm.logger.Warn("channel closed", "generation", gen, "error", err)
		cm.notifyDisconnected(&ChannelError{Op: "channel", Generation: gen, Err: err, Timestamp: time.Now()})
		cm.startRecovery()

	case <-cm.done:
	}
}

// startRecovery runs the reconnect loop unless one is already running
func (cm *ConnectionManager) startRecovery() {
	if !cm.channelOptions.AutoRecovery {
		return
	}

	cm.mu.Lock()
	if cm.recovering || cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.recovering = true
	cm.mu.Unlock()

	go cm.recover()
}

// recover reopens connection and channel with the reconnect policy
func (cm *ConnectionManager) recover() {
	defer func() {
		cm.mu.Lock()
		cm.recovering = false
		cm.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	attempt := 0
	err := reliability.RetryOp(ctx, "reconnect", cm.reconnectPolicy, func() error {
		attempt++
		cm.notifyReconnecting(attempt)
		cm.logger.Info("attempting to reconnect", "attempt", attempt)

		_, _, err := cm.acquire(ctx)
		if err != nil {
			cm.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			if IsFatal(err) {
				return reliability.Permanent(err)
			}
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
			return
		}
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempt,
			"duration", time.Since(start),
			"error", err,
		)
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err),
			Timestamp: time.Now(),
			Attempts:  attempt,
		})
		return
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempt,
		"duration", time.Since(start),
	)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyRecovered(gen uint64) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnRecovered(gen)
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
