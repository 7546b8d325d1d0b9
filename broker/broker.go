// Package broker defines the message broker capability consumed by the
// outbox and inbox sides. The wire protocol is an external collaborator;
// only the transactional-publish and push-delivery contracts live here.
package broker

import (
	"context"
	"errors"

	"github.com/mailgate-io/mailgate/mail"
)

// Outcome is the resolution of a transactional publish as seen by the broker.
type Outcome int

const (
	// OutcomeUnknown tells the broker to keep polling CheckStatus.
	OutcomeUnknown Outcome = iota
	// OutcomeCommit releases the message to consumers.
	OutcomeCommit
	// OutcomeRollback discards the message.
	OutcomeRollback
)

// String returns the wire name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommit:
		return "COMMIT"
	case OutcomeRollback:
		return "ROLLBACK"
	default:
		return "UNKNOWN"
	}
}

// ErrPublishRejected is returned when the broker refuses a publish attempt.
// Publish errors wrapping it are considered transient and retried inline.
var ErrPublishRejected = errors.New("broker rejected publish")

// TransactionalPublisher sends an envelope whose visibility is gated on a
// later-resolved outcome. The returned transaction ID identifies the
// half-message at the broker; the broker resolves it by driving a
// TransactionChecker.
type TransactionalPublisher interface {
	// PublishTransactional stages the envelope at the broker and returns
	// the broker-assigned transaction ID. Success means the broker
	// acknowledged the publish, not that the message is visible.
	PublishTransactional(ctx context.Context, envelope mail.Envelope) (string, error)
}

// TransactionChecker answers the broker's transaction-resolution queries.
// Both calls may arrive on broker-managed goroutines concurrently with
// dispatcher workers and must be idempotent.
type TransactionChecker interface {
	// ExecuteLocal is invoked once at publish time with the assigned
	// transaction ID.
	ExecuteLocal(ctx context.Context, transactionID string) Outcome
	// CheckStatus is invoked, possibly repeatedly and much later, while
	// the broker resolves an in-doubt transaction.
	CheckStatus(ctx context.Context, transactionID string) Outcome
}

// Delivery is one pushed inbound message plus its acknowledgement controls.
type Delivery struct {
	Channel string
	Content []byte
	Headers map[string]string
}

// IngestResult tells the push transport what to do with a delivery.
type IngestResult int

const (
	// IngestAck acknowledges the delivery; the broker drops it.
	IngestAck IngestResult = iota
	// IngestRetry refuses the delivery; the broker redelivers later. Used
	// when the inbox insert fails, leaning on the broker's own redelivery
	// instead of a private retry queue.
	IngestRetry
)

// Ingestor receives pushed deliveries.
type Ingestor interface {
	OnMessage(ctx context.Context, delivery Delivery) IngestResult
}

// Subscriber attaches an Ingestor to the push transport.
type Subscriber interface {
	Subscribe(ctx context.Context, ingestor Ingestor) error
}
