// Package busclient manages the AMQP connection to the message bus. It
// multiplexes a set of named bus channels (logical AMQP channels, not to
// be confused with gateway channels) over one shared connection, with an
// acquire-by-id path guaranteeing at most one bus channel per id for the
// lifetime of the connection.
package busclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aLabsAfrica/junebug/errors"
)

// ConnectionStatus represents the state of the bus connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection is the slice of an AMQP connection the client consumes.
// The default implementation wraps amqp091; tests inject fakes.
type Connection interface {
	OpenChannel() (RawChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// RawChannel is the slice of an AMQP channel the client consumes
type RawChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

// Dialer establishes the underlying connection
type Dialer func(url string) (Connection, error)

// amqpConnection adapts *amqp.Connection to the Connection interface
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) OpenChannel() (RawChannel, error) {
	return c.conn.Channel()
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func defaultDialer(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

// BusChannel is a logical multiplexed sub-connection over the bus,
// keyed by id. Created lazily on first acquire, then cached for the
// lifetime of the underlying connection.
type BusChannel struct {
	id  string
	raw RawChannel
}

// ID returns the id this bus channel was acquired under
func (b *BusChannel) ID() string {
	return b.id
}

// Publish publishes a payload to the given exchange and routing key
func (b *BusChannel) Publish(ctx context.Context, exchange, key string, payload []byte) error {
	return b.raw.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// QueueDeclare declares a durable queue on this bus channel
func (b *BusChannel) QueueDeclare(name string) (amqp.Queue, error) {
	return b.raw.QueueDeclare(name, true, false, false, false, nil)
}

// Client manages one bus connection and its id-to-channel mapping. The
// mapping is process-local shared state mutated only through the
// guarded Acquire path.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger
	dial   Dialer

	reconnectWait time.Duration
	reconnects    atomic.Int64

	onDisconnect func(error)

	// mu guards conn and channels. Acquire holds it across the whole
	// check-then-insert, including bus channel construction, so two
	// concurrent acquires for the same new id can never both construct.
	mu       sync.Mutex
	conn     Connection
	channels map[string]*BusChannel

	closeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer overrides how the underlying connection is established
// (used by tests)
func WithDialer(dial Dialer) Option {
	return func(c *Client) { c.dial = dial }
}

// WithReconnectWait sets the delay between automatic reconnection
// attempts after a lost connection. Zero disables auto-reconnect.
func WithReconnectWait(wait time.Duration) Option {
	return func(c *Client) { c.reconnectWait = wait }
}

// WithDisconnectHandler sets a callback invoked when the connection is lost
func WithDisconnectHandler(fn func(error)) Option {
	return func(c *Client) { c.onDisconnect = fn }
}

// NewClient creates a bus client for the given broker URL. Connection
// establishment is deferred: a client with no live connection is safely
// constructible, with publishes failing cleanly until Connect succeeds.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:           url,
		logger:        slog.Default().With("component", "busclient"),
		dial:          defaultDialer,
		reconnectWait: 2 * time.Second,
		channels:      make(map[string]*BusChannel),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Store(StatusDisconnected)
	return c
}

// URL returns the broker URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// Reconnects returns the number of successful reconnections
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Connect establishes the connection to the broker and starts watching
// for connection loss.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(
			fmt.Errorf("client is closed"),
			"Client", "Connect", "check client state")
	}
	if c.Status() == StatusConnected {
		return nil
	}

	c.status.Store(StatusConnecting)
	c.logger.Info("connecting to message bus", "url", c.url)

	type dialResult struct {
		conn Connection
		err  error
	}
	dialDone := make(chan dialResult, 1)
	go func() {
		conn, err := c.dial(c.url)
		dialDone <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-dialDone:
		if res.err != nil {
			c.status.Store(StatusDisconnected)
			return errors.WrapTransient(res.err, "Client", "Connect", "dial broker")
		}
		c.installConnection(res.conn)
	case <-ctx.Done():
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "dial cancelled")
	}

	c.logger.Info("connected to message bus", "url", c.url)
	return nil
}

// installConnection swaps in a fresh connection and resets the bus
// channel cache. The cache is tied to the connection epoch: entries from
// a previous connection are never handed out again.
func (c *Client) installConnection(conn Connection) {
	c.mu.Lock()
	c.conn = conn
	c.channels = make(map[string]*BusChannel)
	c.mu.Unlock()

	c.status.Store(StatusConnected)

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watchConnection(closeCh)
}

// watchConnection flips the client to disconnected when the underlying
// connection dies and, when configured, keeps retrying to reconnect.
func (c *Client) watchConnection(closeCh chan *amqp.Error) {
	var reason error
	select {
	case <-c.done:
		return
	case amqpErr, ok := <-closeCh:
		if ok && amqpErr != nil {
			reason = amqpErr
		}
	}

	c.status.Store(StatusDisconnected)
	c.mu.Lock()
	c.conn = nil
	c.channels = make(map[string]*BusChannel)
	c.mu.Unlock()

	c.logger.Warn("bus connection lost", "error", reason)
	if c.onDisconnect != nil {
		go c.onDisconnect(reason)
	}

	if c.reconnectWait <= 0 {
		return
	}

	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.reconnectWait):
		}

		if err := c.Connect(context.Background()); err != nil {
			c.logger.Debug("reconnect attempt failed", "error", err)
			continue
		}
		c.reconnects.Add(1)
		return
	}
}

// Acquire returns the bus channel for id, constructing it on first use.
// The client-wide lock is held across the check-then-insert, including
// channel construction, eliminating the race where two concurrent
// acquires for the same new id both construct and register distinct
// instances. Fails with ErrNotConnected when the underlying connection
// is not established; never returns a stale entry from a dead
// connection.
func (c *Client) Acquire(id string) (*BusChannel, error) {
	if c.Status() != StatusConnected {
		return nil, errors.ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errors.ErrNotConnected
	}

	if ch, ok := c.channels[id]; ok {
		return ch, nil
	}

	raw, err := c.conn.OpenChannel()
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Acquire",
			fmt.Sprintf("open bus channel %s", id))
	}

	ch := &BusChannel{id: id, raw: raw}
	c.channels[id] = ch
	return ch, nil
}

// Channels returns the number of cached bus channels
func (c *Client) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// Consume acquires the bus channel for the given queue and delivers
// messages to handler until the context is cancelled or the connection
// drops. The delivery stream is infinite and restartable only via
// reconnect.
func (c *Client) Consume(ctx context.Context, queue string, handler func(context.Context, []byte)) error {
	ch, err := c.Acquire("consume." + queue)
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queue); err != nil {
		return errors.WrapTransient(err, "Client", "Consume", "declare queue")
	}

	deliveries, err := ch.raw.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume", "start consumer")
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				handler(ctx, delivery.Body)
				if err := delivery.Ack(false); err != nil {
					c.logger.Error("ack failed", "queue", queue, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close tears down the connection and stops all background goroutines
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)
	close(c.done)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.channels = make(map[string]*BusChannel)
	c.mu.Unlock()

	c.status.Store(StatusDisconnected)

	if conn != nil {
		if err := conn.Close(); err != nil {
			return errors.Wrap(err, "Client", "Close", "close connection")
		}
	}
	return nil
}
