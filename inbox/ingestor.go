package inbox

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/mailgate-io/mailgate/broker"
	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
)

// Ingestor persists broker-pushed mail exactly once per (channel, mail id)
// and kicks off the first delivery attempt inline.
type Ingestor struct {
	store     mail.InboxStore
	deliverer *Deliverer
	clock     mail.Clock
	logger    log.Logger
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestorLogger sets a structured logger for the ingestor.
func WithIngestorLogger(logger log.Logger) IngestorOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithIngestorClock overrides the ingestor clock. Used in tests.
func WithIngestorClock(clock mail.Clock) IngestorOption {
	return func(i *Ingestor) {
		if clock != nil {
			i.clock = clock
		}
	}
}

// NewIngestor creates an Ingestor over store and deliverer.
func NewIngestor(store mail.InboxStore, deliverer *Deliverer, opts ...IngestorOption) (*Ingestor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if deliverer == nil {
		return nil, ErrDelivererRequired
	}

	i := &Ingestor{
		store:     store,
		deliverer: deliverer,
		clock:     mail.SystemClock{},
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}

	return i, nil
}

// OnMessage ingests one pushed delivery. Redelivered messages are recognized
// by the dedup key and acknowledged without a second row or a second
// delivery attempt. Only a failed insert asks the transport to redeliver;
// everything after the insert is owned by the store and the retry sweep.
func (i *Ingestor) OnMessage(ctx context.Context, delivery broker.Delivery) broker.IngestResult {
	envelope := mail.EnvelopeFromHeaders(delivery.Channel, delivery.Content, delivery.Headers, i.clock)

	if strings.TrimSpace(envelope.MailID) == "" {
		// No caller-supplied ID means no dedup possible; assign one so the
		// record is addressable.
		envelope.MailID = uuid.NewString()
	} else {
		existing, err := i.store.GetByDedupKey(ctx, envelope.Channel, envelope.MailID)
		if err != nil {
			i.logger.Log(ctx, log.LevelError, "dedup lookup failed",
				log.String("channel", envelope.Channel),
				log.String("mail_id", envelope.MailID),
				log.Err(err))

			return broker.IngestRetry
		}

		if existing != nil {
			i.logger.Log(ctx, log.LevelDebug, "duplicate mail acknowledged",
				log.String("channel", envelope.Channel),
				log.String("mail_id", envelope.MailID))

			return broker.IngestAck
		}
	}

	record, err := mail.NewInbound(envelope, i.clock)
	if err != nil {
		// Malformed beyond repair; redelivery would loop forever.
		i.logger.Log(ctx, log.LevelWarn, "discarding malformed mail",
			log.String("channel", delivery.Channel),
			log.Err(err))

		return broker.IngestAck
	}

	if err := i.store.Save(ctx, record); err != nil {
		if errors.Is(err, mail.ErrDuplicateMail) {
			// A concurrent ingest of the same mail won the insert.
			return broker.IngestAck
		}

		i.logger.Log(ctx, log.LevelError, "inbox insert failed, requesting redelivery",
			log.String("channel", envelope.Channel),
			log.String("mail_id", envelope.MailID),
			log.Err(err))

		return broker.IngestRetry
	}

	i.deliverer.Deliver(ctx, record)

	return broker.IngestAck
}

var _ broker.Ingestor = (*Ingestor)(nil)
