package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
	"github.com/mailgate-io/mailgate/postman"
)

// remarkDeclined is stored when a postman reports a soft failure without an
// error of its own.
const remarkDeclined = "postman declined delivery"

// Deliverer drives one delivery attempt for an inbound record: resolve the
// channel's postman, encapsulate, deliver, and record the outcome.
//
// Outcome writes are failure-isolated: an error writing the outcome is
// logged and the record stays in SENDING for the sweep to reclaim. Deliver
// therefore never returns an error; nothing on the broker ack path can be
// poisoned by a flaky store.
type Deliverer struct {
	store    mail.InboxStore
	registry *postman.Registry
	ladder   []time.Duration
	clock    mail.Clock
	logger   log.Logger
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithDelivererLogger sets a structured logger for the deliverer.
func WithDelivererLogger(logger log.Logger) DelivererOption {
	return func(d *Deliverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDelivererClock overrides the deliverer clock. Used in tests.
func WithDelivererClock(clock mail.Clock) DelivererOption {
	return func(d *Deliverer) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithRetryLadder overrides the delivery retry ladder. An explicitly empty
// ladder disables retries, so the first failure is terminal.
func WithRetryLadder(ladder []time.Duration) DelivererOption {
	return func(d *Deliverer) {
		if ladder != nil {
			d.ladder = ladder
		}
	}
}

// NewDeliverer creates a Deliverer over store and registry.
func NewDeliverer(store mail.InboxStore, registry *postman.Registry, opts ...DelivererOption) (*Deliverer, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	d := &Deliverer{
		store:    store,
		registry: registry,
		ladder:   mail.DefaultLadder(),
		clock:    mail.SystemClock{},
		logger:   log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d, nil
}

// Deliver runs one attempt for a record already claimed into SENDING.
func (d *Deliverer) Deliver(ctx context.Context, record *mail.InboundRecord) {
	if record == nil {
		return
	}

	delivered, err := d.attempt(ctx, record)
	if delivered {
		d.markDelivered(ctx, record)
		return
	}

	remark := remarkDeclined
	if err != nil {
		remark = mail.SanitizeRemarkError(err)
	}

	d.markFailure(ctx, record, remark)
}

// attempt resolves and runs the postman. A panic inside the postman is
// recovered into a hard failure so one bad message cannot kill the loop.
func (d *Deliverer) attempt(ctx context.Context, record *mail.InboundRecord) (delivered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			delivered = false
			err = fmt.Errorf("postman panicked: %v", r)
		}
	}()

	pm, err := d.registry.Resolve(record.Channel)
	if err != nil {
		return false, err
	}

	message, err := pm.Encapsulate(record)
	if err != nil {
		return false, err
	}

	return pm.Deliver(ctx, message)
}

func (d *Deliverer) markDelivered(ctx context.Context, record *mail.InboundRecord) {
	now := d.clock.Now()

	record.Status = mail.StatusSent
	record.Remark = ""
	record.DeliveredAt = &now

	attempt := &mail.DeliveryAttempt{
		RecordID:    record.ID,
		Direction:   mail.DirectionInbound,
		DeliveredAt: now,
		Status:      mail.StatusSent,
		Retries:     record.Retries,
	}

	updated, err := d.store.UpdateWithAttempt(ctx, record, mail.StatusSending, attempt)
	if err != nil {
		d.logger.Log(ctx, log.LevelError, "failed to record delivery success",
			log.Int64("record_id", record.ID),
			log.Err(err))

		return
	}

	if !updated {
		d.logger.Log(ctx, log.LevelWarn, "delivery outcome lost the status race",
			log.Int64("record_id", record.ID))

		return
	}

	d.logger.Log(ctx, log.LevelInfo, "mail delivered",
		log.Int64("record_id", record.ID),
		log.String("mail_id", record.MailID),
		log.String("channel", record.Channel))
}

func (d *Deliverer) markFailure(ctx context.Context, record *mail.InboundRecord, remark string) {
	now := d.clock.Now()
	decision := mail.NextRetry(record.Retries, d.ladder, now)

	record.Status = decision.Status
	record.Retries = decision.Retries
	record.Remark = remark

	if decision.Status == mail.StatusRetrying {
		record.NextRetryAt = decision.NextRetryAt
	}

	attempt := &mail.DeliveryAttempt{
		RecordID:    record.ID,
		Direction:   mail.DirectionInbound,
		DeliveredAt: now,
		Status:      decision.Status,
		Retries:     decision.Retries,
		Remark:      remark,
	}

	updated, err := d.store.UpdateWithAttempt(ctx, record, mail.StatusSending, attempt)
	if err != nil {
		d.logger.Log(ctx, log.LevelError, "failed to record delivery failure",
			log.Int64("record_id", record.ID),
			log.Err(err))

		return
	}

	if !updated {
		d.logger.Log(ctx, log.LevelWarn, "delivery outcome lost the status race",
			log.Int64("record_id", record.ID))

		return
	}

	d.logger.Log(ctx, log.LevelWarn, "delivery failed",
		log.Int64("record_id", record.ID),
		log.String("mail_id", record.MailID),
		log.String("channel", record.Channel),
		log.String("next_status", decision.Status.String()),
		log.Int("retries", decision.Retries),
		log.String("remark", remark))
}
