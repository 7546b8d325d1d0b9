package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailgate-io/mailgate/backoff"
	"github.com/mailgate-io/mailgate/log"
)

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")

	amqpURLCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
)

// Connection is a hub which deals with the rabbitmq connection. It keeps a
// singleton connection plus one shared channel, reconnecting lazily with
// exponential backoff between attempts.
type Connection struct {
	ConnectionString string
	Logger           log.Logger

	mu         sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel
	connected  bool

	dialer             func(context.Context, string) (*amqp.Connection, error)
	channelFactory     func(*amqp.Connection) (*amqp.Channel, error)
	connectionClosedFn func(*amqp.Connection) bool
	channelClosedFn    func(*amqp.Channel) bool

	// Reconnect rate-limiting: prevents reconnect storms when the broker is
	// down by enforcing exponential backoff between attempts.
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

func (c *Connection) applyDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.dialer == nil {
		c.dialer = func(_ context.Context, url string) (*amqp.Connection, error) {
			return amqp.Dial(url)
		}
	}

	if c.channelFactory == nil {
		c.channelFactory = func(conn *amqp.Connection) (*amqp.Channel, error) {
			return conn.Channel()
		}
	}

	if c.connectionClosedFn == nil {
		c.connectionClosedFn = func(conn *amqp.Connection) bool {
			return conn == nil || conn.IsClosed()
		}
	}

	if c.channelClosedFn == nil {
		c.channelClosedFn = func(ch *amqp.Channel) bool {
			return ch == nil || ch.IsClosed()
		}
	}
}

// Connect establishes the connection and shared channel.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	_, err := c.GetChannel(ctx)

	return err
}

// GetChannel returns the shared channel, reconnecting when the connection or
// channel has been closed underneath us.
func (c *Connection) GetChannel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq get channel: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDefaults()

	needConnection := c.connection == nil || c.connectionClosedFn(c.connection)
	needChannel := needConnection || c.channel == nil || c.channelClosedFn(c.channel)

	if !needChannel {
		return c.channel, nil
	}

	if needConnection {
		if err := c.reconnectLocked(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := c.channelFactory(c.connection)
	if err != nil {
		c.connected = false

		c.Logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	c.channel = ch
	c.connected = true

	return ch, nil
}

// reconnectLocked dials a new connection. Caller must hold c.mu.
func (c *Connection) reconnectLocked(ctx context.Context) error {
	if c.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return fmt.Errorf("rabbitmq reconnect rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	c.Logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := c.dialer(ctx, c.ConnectionString)
	if err != nil {
		c.connected = false
		c.reconnectAttempts++

		sanitized := sanitizeAMQPErr(err)
		c.Logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitized))

		return fmt.Errorf("failed to connect to rabbitmq: %s", sanitized)
	}

	c.connection = conn
	c.reconnectAttempts = 0

	c.Logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// NewChannel opens a dedicated channel, for consumers and confirm-mode
// publishers that must not share the hub channel.
func (c *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	// Ensure the connection is alive first.
	if _, err := c.GetChannel(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channelFactory(c.connection)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	return ch, nil
}

// IsConnected reports whether the hub currently holds an open connection.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected && c.connection != nil && !c.connectionClosedFn(c.connection)
}

// Close releases the channel and connection.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.channel != nil && !c.channelClosedFn(c.channel) {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
	}

	if c.connection != nil && !c.connectionClosedFn(c.connection) {
		if err := c.connection.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}

	c.channel = nil
	c.connection = nil
	c.connected = false

	return errors.Join(errs...)
}

// sanitizeAMQPErr strips credentials that amqp091 may echo back inside
// connection errors.
func sanitizeAMQPErr(err error) string {
	if err == nil {
		return ""
	}

	return amqpURLCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
}
