package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
)

var (
	// ErrOutboxStoreRequired is returned when no outbox store is given.
	ErrOutboxStoreRequired = errors.New("outbox store is required")
	// ErrInboxStoreRequired is returned when no inbox store is given.
	ErrInboxStoreRequired = errors.New("inbox store is required")
	// ErrAttemptStoreRequired is returned when no attempt store is given.
	ErrAttemptStoreRequired = errors.New("attempt store is required")
	// ErrResendNotAllowed is returned when resend targets a record that is
	// not in FAIL.
	ErrResendNotAllowed = errors.New("resend is allowed only for failed records")
	// ErrResendConflict is returned when the record changed between the
	// read and the reset.
	ErrResendConflict = errors.New("record changed while resending")
)

// StatusEntry is one row of the status dictionary.
type StatusEntry struct {
	Value    string `json:"value"`
	Terminal bool   `json:"terminal"`
}

// Service answers operational queries over both mailbox sides.
type Service struct {
	outbox   mail.OutboxStore
	inbox    mail.InboxStore
	attempts mail.AttemptStore
	clock    mail.Clock
	logger   log.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets a structured logger for the service.
func WithServiceLogger(logger log.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServiceClock overrides the service clock. Used in tests.
func WithServiceClock(clock mail.Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService creates a Service over the three stores.
func NewService(outbox mail.OutboxStore, inbox mail.InboxStore, attempts mail.AttemptStore, opts ...ServiceOption) (*Service, error) {
	if outbox == nil {
		return nil, ErrOutboxStoreRequired
	}

	if inbox == nil {
		return nil, ErrInboxStoreRequired
	}

	if attempts == nil {
		return nil, ErrAttemptStoreRequired
	}

	s := &Service{
		outbox:   outbox,
		inbox:    inbox,
		attempts: attempts,
		clock:    mail.SystemClock{},
		logger:   log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// QueryOutbound pages producer-side records.
func (s *Service) QueryOutbound(ctx context.Context, query mail.RecordQuery) (*mail.Page[mail.OutboundRecord], error) {
	page, err := s.outbox.PageQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query outbound: %w", err)
	}

	return page, nil
}

// QueryInbound pages consumer-side records.
func (s *Service) QueryInbound(ctx context.Context, query mail.RecordQuery) (*mail.Page[mail.InboundRecord], error) {
	page, err := s.inbox.PageQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query inbound: %w", err)
	}

	return page, nil
}

// QueryAttempts pages the delivery attempt log of one record.
func (s *Service) QueryAttempts(ctx context.Context, query mail.AttemptQuery) (*mail.Page[mail.DeliveryAttempt], error) {
	page, err := s.attempts.PageQueryAttempts(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}

	return page, nil
}

// ResendOutbound resets a failed producer-side record for another dispatch
// cycle. The reset reuses the existing row: PENDING, zero retries, remark
// cleared, due immediately. The conditional update on FAIL keeps a racing
// resend or dispatcher from double-applying it.
func (s *Service) ResendOutbound(ctx context.Context, id int64) (*mail.OutboundRecord, error) {
	record, err := s.outbox.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Status != mail.StatusFail {
		return nil, fmt.Errorf("%w: record %d is %s", ErrResendNotAllowed, id, record.Status)
	}

	record.Status = mail.StatusPending
	record.Retries = 0
	record.Remark = ""
	record.NextRetryAt = s.clock.Now()

	updated, err := s.outbox.ConditionalUpdate(ctx, record, mail.StatusFail)
	if err != nil {
		return nil, fmt.Errorf("resend outbound: %w", err)
	}

	if !updated {
		return nil, fmt.Errorf("%w: record %d", ErrResendConflict, id)
	}

	s.logger.Log(ctx, log.LevelInfo, "outbound record reset for resend",
		log.Int64("record_id", record.ID),
		log.String("mail_id", record.MailID))

	return record, nil
}

// ResendInbound resets a failed consumer-side record for another delivery
// sweep. No new row is created; the dedup key stays unique.
func (s *Service) ResendInbound(ctx context.Context, id int64) (*mail.InboundRecord, error) {
	record, err := s.inbox.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Status != mail.StatusFail {
		return nil, fmt.Errorf("%w: record %d is %s", ErrResendNotAllowed, id, record.Status)
	}

	record.Status = mail.StatusPending
	record.Retries = 0
	record.Remark = ""
	record.NextRetryAt = s.clock.Now()

	updated, err := s.inbox.ConditionalUpdate(ctx, record, mail.StatusFail)
	if err != nil {
		return nil, fmt.Errorf("resend inbound: %w", err)
	}

	if !updated {
		return nil, fmt.Errorf("%w: record %d", ErrResendConflict, id)
	}

	s.logger.Log(ctx, log.LevelInfo, "inbound record reset for resend",
		log.Int64("record_id", record.ID),
		log.String("mail_id", record.MailID))

	return record, nil
}

// StatusDictionary lists the mailbox lifecycle states for UI dropdowns.
func (s *Service) StatusDictionary() []StatusEntry {
	statuses := mail.Statuses()
	entries := make([]StatusEntry, 0, len(statuses))

	for _, status := range statuses {
		entries = append(entries, StatusEntry{
			Value:    status.String(),
			Terminal: status.IsTerminal(),
		})
	}

	return entries
}
