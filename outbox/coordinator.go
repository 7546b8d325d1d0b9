package outbox

import (
	"context"
	"errors"

	"github.com/mailgate-io/mailgate/broker"
	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
)

// publishingRecordKey carries the record being published through the
// synchronous ExecuteLocal callback.
type publishingRecordKey struct{}

func withPublishingRecord(ctx context.Context, record *mail.OutboundRecord) context.Context {
	return context.WithValue(ctx, publishingRecordKey{}, record)
}

func publishingRecordFrom(ctx context.Context) *mail.OutboundRecord {
	record, _ := ctx.Value(publishingRecordKey{}).(*mail.OutboundRecord)
	return record
}

// Coordinator bridges one outbox record to exactly one transactional publish
// and answers the broker's later transaction-resolution queries by
// re-reading the row. All side effects go through conditional updates, so
// repeated callbacks for the same transaction never double-apply.
type Coordinator struct {
	store     mail.OutboxStore
	publisher broker.TransactionalPublisher
	clock     mail.Clock
	logger    log.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets a structured logger for the coordinator.
func WithCoordinatorLogger(logger log.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCoordinatorClock overrides the coordinator clock. Used in tests.
func WithCoordinatorClock(clock mail.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCoordinator creates a Coordinator over store and publisher.
func NewCoordinator(store mail.OutboxStore, publisher broker.TransactionalPublisher, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	c := &Coordinator{
		store:     store,
		publisher: publisher,
		clock:     mail.SystemClock{},
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Publish sends the claimed record through the broker's transactional
// publish. Success means the broker acknowledged the publish; the record is
// left in SENDING for ExecuteLocal or CheckStatus to finalize.
func (c *Coordinator) Publish(ctx context.Context, record *mail.OutboundRecord) error {
	if record == nil {
		return mail.ErrRecordRequired
	}

	ctx = withPublishingRecord(ctx, record)

	_, err := c.publisher.PublishTransactional(ctx, record.Envelope())

	return err
}

// ExecuteLocal is the broker's publish-time callback: persist the assigned
// transaction ID and flip SENDING to SENT, conditional on the row still
// being SENDING. COMMIT only when the row reflects this transaction.
func (c *Coordinator) ExecuteLocal(ctx context.Context, transactionID string) broker.Outcome {
	record := publishingRecordFrom(ctx)
	if record == nil || transactionID == "" {
		return broker.OutcomeUnknown
	}

	now := c.clock.Now()

	record.TransactionID = transactionID
	record.Status = mail.StatusSent
	record.DeliveredAt = &now
	record.Remark = ""

	attempt := &mail.DeliveryAttempt{
		RecordID:    record.ID,
		Direction:   mail.DirectionOutbound,
		DeliveredAt: now,
		Status:      mail.StatusSent,
		Retries:     record.Retries,
	}

	updated, err := c.store.UpdateWithAttempt(ctx, record, mail.StatusSending, attempt)
	if err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to finalize outbound record",
			log.String("transaction_id", transactionID),
			log.Int64("record_id", record.ID),
			log.Err(err))

		return broker.OutcomeUnknown
	}

	if updated {
		return broker.OutcomeCommit
	}

	// Lost the status race; a repeated callback for an already finalized
	// row still commits.
	current, err := c.store.GetByID(ctx, record.ID)
	if err == nil && current.Status == mail.StatusSent && current.TransactionID == transactionID {
		return broker.OutcomeCommit
	}

	return broker.OutcomeUnknown
}

// CheckStatus resolves an in-doubt transaction from the row alone, possibly
// long after the publishing process died. An absent row means the
// transaction ID was never persisted, so the publish must be rolled back;
// the dispatcher or an operational resend owns the record's future.
func (c *Coordinator) CheckStatus(ctx context.Context, transactionID string) broker.Outcome {
	if transactionID == "" {
		return broker.OutcomeRollback
	}

	record, err := c.store.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, mail.ErrRecordNotFound) {
			return broker.OutcomeRollback
		}

		c.logger.Log(ctx, log.LevelError, "failed to resolve transaction status",
			log.String("transaction_id", transactionID),
			log.Err(err))

		return broker.OutcomeUnknown
	}

	switch record.Status {
	case mail.StatusSent:
		return broker.OutcomeCommit
	case mail.StatusSending:
		return broker.OutcomeUnknown
	default:
		// PENDING, RETRYING, FAIL: this publish attempt is dead, any
		// retry creates a fresh transaction.
		return broker.OutcomeRollback
	}
}

var _ broker.TransactionChecker = (*Coordinator)(nil)
