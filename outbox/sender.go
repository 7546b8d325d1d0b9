package outbox

import (
	"context"
	"fmt"

	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
)

// Sender is the enqueue surface callers use to hand a message to the
// gateway. Persisting PENDING first means a message accepted here survives a
// crash before any broker interaction; the dispatcher picks it up later.
type Sender struct {
	store  mail.OutboxStore
	clock  mail.Clock
	logger log.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderLogger sets a structured logger for the sender.
func WithSenderLogger(logger log.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSenderClock overrides the sender clock. Used in tests.
func WithSenderClock(clock mail.Clock) SenderOption {
	return func(s *Sender) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewSender creates a Sender over store.
func NewSender(store mail.OutboxStore, opts ...SenderOption) (*Sender, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	s := &Sender{
		store:  store,
		clock:  mail.SystemClock{},
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Send validates the envelope and persists a PENDING record due immediately.
// Validation and persistence failures are the only synchronous failure paths
// back to the caller; everything after enqueue is asynchronous.
func (s *Sender) Send(ctx context.Context, envelope mail.Envelope) (*mail.OutboundRecord, error) {
	record, err := mail.NewOutbound(envelope, s.clock)
	if err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, record); err != nil {
		s.logger.Log(ctx, log.LevelError, "failed to enqueue outbound mail",
			log.String("mail_id", record.MailID),
			log.String("channel", record.Channel),
			log.Err(err))

		return nil, fmt.Errorf("enqueuing outbound mail: %w", err)
	}

	s.logger.Log(ctx, log.LevelDebug, "outbound mail enqueued",
		log.String("mail_id", record.MailID),
		log.String("channel", record.Channel))

	return record, nil
}
