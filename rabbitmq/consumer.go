package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailgate-io/mailgate/broker"
	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/runtime"
)

var (
	ErrQueueRequired    = errors.New("consumer queue is required")
	ErrIngestorRequired = errors.New("ingestor is required")
)

// Consumer pushes queue deliveries into a broker.Ingestor. A refused ingest
// is nacked with requeue so the broker redelivers; there is no private retry
// queue on the ingest path.
type Consumer struct {
	conn        *Connection
	queue       string
	consumerTag string
	logger      log.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets a structured logger for the consumer.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		if tag != "" {
			c.consumerTag = tag
		}
	}
}

// NewConsumer creates a push consumer for queue.
func NewConsumer(conn *Connection, queue string, opts ...ConsumerOption) (*Consumer, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	if queue == "" {
		return nil, ErrQueueRequired
	}

	c := &Consumer{
		conn:        conn,
		queue:       queue,
		consumerTag: "mailgate-inbox",
		logger:      log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Subscribe attaches the ingestor and starts consuming on a dedicated
// channel. The consume loop runs until the context is canceled or the
// delivery stream closes.
func (c *Consumer) Subscribe(ctx context.Context, ingestor broker.Ingestor) error {
	if ingestor == nil {
		return ErrIngestorRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ch, err := c.conn.NewChannel(ctx)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("starting consume on %s: %w", c.queue, err)
	}

	runtime.SafeGo(ctx, c.logger, "rabbitmq", "consume_loop", runtime.KeepRunning, func(ctx context.Context) {
		defer func() {
			_ = ch.Close()
		}()

		c.consumeLoop(ctx, deliveries, ingestor)
	})

	return nil
}

// consumeLoop drains deliveries until the stream closes or ctx is done.
func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, ingestor broker.Ingestor) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, open := <-deliveries:
			if !open {
				c.logger.Log(ctx, log.LevelWarn, "delivery stream closed", log.String("queue", c.queue))
				return
			}

			c.handleDelivery(ctx, delivery, ingestor)
		}
	}
}

// handleDelivery runs one delivery through the ingestor and acknowledges
// according to the result.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery, ingestor broker.Ingestor) {
	result := ingestor.OnMessage(ctx, broker.Delivery{
		Channel: delivery.RoutingKey,
		Content: delivery.Body,
		Headers: tableToHeaders(delivery.Headers),
	})

	switch result {
	case broker.IngestAck:
		if err := delivery.Ack(false); err != nil {
			c.logger.Log(ctx, log.LevelError, "failed to ack delivery", log.Err(err))
		}
	case broker.IngestRetry:
		if err := delivery.Nack(false, true); err != nil {
			c.logger.Log(ctx, log.LevelError, "failed to nack delivery", log.Err(err))
		}
	}
}

// tableToHeaders flattens an AMQP header table to the string map the mail
// envelope codec understands. Non-string values are dropped.
func tableToHeaders(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))

	for key, value := range table {
		if s, ok := value.(string); ok {
			headers[key] = s
		}
	}

	return headers
}

var _ broker.Subscriber = (*Consumer)(nil)
