package postman

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
	"github.com/mailgate-io/mailgate/rabbitmq"
	"github.com/mailgate-io/mailgate/ratelimit"
)

// DefaultForwardExchange receives forwarded mail whose recipients string
// names no exchange.
const DefaultForwardExchange = "mailgate.forward"

var (
	// ErrConnectionRequired is returned when no broker connection is given.
	ErrConnectionRequired = errors.New("rabbitmq connection is required")
	// ErrRecordRequired is returned when Encapsulate is given a nil record.
	ErrRecordRequired = errors.New("inbound record is required")
	// ErrMessageTypeInvalid is returned when Deliver receives a message this
	// postman did not encapsulate.
	ErrMessageTypeInvalid = errors.New("message is not an amqp forward message")
)

// ForwardMessage is the AMQP postman's typed message: a publishing bound to
// a destination exchange and routing key.
type ForwardMessage struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// forwardChannel is the slice of *amqp.Channel the postman publishes on.
type forwardChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPostman forwards ingested mail of one channel to a downstream AMQP
// exchange through the rate-limited sender. The recipients string picks the
// destination as "exchange:routingKey"; a bare value is a routing key on the
// forward exchange, and a blank one falls back to the mail's channel.
type AMQPPostman struct {
	conn     *rabbitmq.Connection
	sender   *ratelimit.Sender
	channel  string
	exchange string
	logger   log.Logger

	channelFn func(context.Context) (forwardChannel, error)
}

// AMQPPostmanOption configures an AMQPPostman.
type AMQPPostmanOption func(*AMQPPostman)

// WithForwardExchange overrides the default forward exchange.
func WithForwardExchange(exchange string) AMQPPostmanOption {
	return func(p *AMQPPostman) {
		if strings.TrimSpace(exchange) != "" {
			p.exchange = exchange
		}
	}
}

// WithPostmanSender sets the rate-limited sender gating deliveries.
func WithPostmanSender(sender *ratelimit.Sender) AMQPPostmanOption {
	return func(p *AMQPPostman) {
		if sender != nil {
			p.sender = sender
		}
	}
}

// WithPostmanLogger sets a structured logger for the postman.
func WithPostmanLogger(logger log.Logger) AMQPPostmanOption {
	return func(p *AMQPPostman) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewAMQPPostman creates a postman serving channel over conn. Without an
// explicit sender, deliveries run unthrottled with default retry behavior.
func NewAMQPPostman(conn *rabbitmq.Connection, channel string, opts ...AMQPPostmanOption) (*AMQPPostman, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	normalized := strings.TrimSpace(channel)
	if normalized == "" {
		return nil, ErrChannelRequired
	}

	p := &AMQPPostman{
		conn:     conn,
		channel:  normalized,
		exchange: DefaultForwardExchange,
		logger:   log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.sender == nil {
		p.sender = ratelimit.NewSender(nil, ratelimit.DefaultSenderConfig())
	}

	if p.channelFn == nil {
		p.channelFn = func(ctx context.Context) (forwardChannel, error) {
			return conn.NewChannel(ctx)
		}
	}

	return p, nil
}

// Supports reports whether this postman serves the channel.
func (p *AMQPPostman) Supports(channel string) bool {
	return p != nil && channel == p.channel
}

// Encapsulate renders the record as a ForwardMessage carrying the mail
// metadata as headers.
func (p *AMQPPostman) Encapsulate(record *mail.InboundRecord) (Message, error) {
	if record == nil {
		return nil, ErrRecordRequired
	}

	envelope := mail.Envelope{
		MailID:     record.MailID,
		Channel:    record.Channel,
		Title:      record.Title,
		Service:    record.Service,
		Recipients: record.Recipients,
		PostTime:   record.PostTime,
		Content:    record.Content,
	}

	headers := amqp.Table{}
	for key, value := range envelope.Headers() {
		headers[key] = value
	}

	exchange, routingKey := p.destination(record)

	return &ForwardMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Publishing: amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			MessageId:    record.MailID,
			Body:         record.Content,
		},
	}, nil
}

// destination resolves the exchange and routing key from the recipients
// string.
func (p *AMQPPostman) destination(record *mail.InboundRecord) (string, string) {
	recipients := strings.TrimSpace(record.Recipients)
	if recipients == "" {
		return p.exchange, record.Channel
	}

	exchange, routingKey, found := strings.Cut(recipients, ":")
	if !found {
		return p.exchange, recipients
	}

	if strings.TrimSpace(exchange) == "" {
		exchange = p.exchange
	}

	return exchange, routingKey
}

// Deliver publishes the forward message through the rate-limited sender. A
// publish failure after the sender's retry budget is a hard failure.
func (p *AMQPPostman) Deliver(ctx context.Context, message Message) (bool, error) {
	forward, ok := message.(*ForwardMessage)
	if !ok {
		return false, ErrMessageTypeInvalid
	}

	publish := func(ctx context.Context) error {
		ch, err := p.channelFn(ctx)
		if err != nil {
			return err
		}

		defer func() {
			_ = ch.Close()
		}()

		if err := ch.PublishWithContext(ctx, forward.Exchange, forward.RoutingKey, false, false, forward.Publishing); err != nil {
			return fmt.Errorf("forward publish: %w", err)
		}

		return nil
	}

	if err := p.sender.Send(ctx, publish); err != nil {
		return false, err
	}

	p.logger.Log(ctx, log.LevelDebug, "mail forwarded",
		log.String("channel", p.channel),
		log.String("exchange", forward.Exchange),
		log.String("routing_key", forward.RoutingKey))

	return true, nil
}

var _ Postman = (*AMQPPostman)(nil)
