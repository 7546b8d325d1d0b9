//go:build unit

package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mailgate-io/mailgate/broker"
	"github.com/mailgate-io/mailgate/mail"
)

// memoryOutboxStore implements mail.OutboxStore with the same atomicity
// contract as the postgres store: ConditionalUpdate applies only when the
// stored status matches.
type memoryOutboxStore struct {
	mu       sync.Mutex
	nextID   int64
	records  map[int64]*mail.OutboundRecord
	attempts []mail.DeliveryAttempt

	saveErr error
	findErr error
}

func newMemoryOutboxStore() *memoryOutboxStore {
	return &memoryOutboxStore{records: map[int64]*mail.OutboundRecord{}}
}

func cloneOutbound(record *mail.OutboundRecord) *mail.OutboundRecord {
	clone := *record

	if record.DeliveredAt != nil {
		t := *record.DeliveredAt
		clone.DeliveredAt = &t
	}

	return &clone
}

func (s *memoryOutboxStore) Save(_ context.Context, record *mail.OutboundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	if record.ID == 0 {
		s.nextID++
		record.ID = s.nextID
	}

	s.records[record.ID] = cloneOutbound(record)

	return nil
}

func (s *memoryOutboxStore) GetByID(_ context.Context, id int64) (*mail.OutboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, mail.ErrRecordNotFound
	}

	return cloneOutbound(record), nil
}

func (s *memoryOutboxStore) GetByMailID(_ context.Context, mailID string) (*mail.OutboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.MailID == mailID {
			return cloneOutbound(record), nil
		}
	}

	return nil, mail.ErrRecordNotFound
}

func (s *memoryOutboxStore) GetByTransactionID(_ context.Context, transactionID string) (*mail.OutboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.TransactionID == transactionID {
			return cloneOutbound(record), nil
		}
	}

	return nil, mail.ErrRecordNotFound
}

func (s *memoryOutboxStore) ConditionalUpdate(_ context.Context, record *mail.OutboundRecord, expected mail.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conditionalUpdateLocked(record, expected)
}

func (s *memoryOutboxStore) conditionalUpdateLocked(record *mail.OutboundRecord, expected mail.Status) (bool, error) {
	stored, ok := s.records[record.ID]
	if !ok || stored.Status != expected {
		return false, nil
	}

	s.records[record.ID] = cloneOutbound(record)

	return true, nil
}

func (s *memoryOutboxStore) UpdateWithAttempt(_ context.Context, record *mail.OutboundRecord, expected mail.Status, attempt *mail.DeliveryAttempt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.conditionalUpdateLocked(record, expected)
	if err != nil || !updated {
		return updated, err
	}

	if attempt != nil {
		s.attempts = append(s.attempts, *attempt)
	}

	return true, nil
}

func (s *memoryOutboxStore) FindOneDue(_ context.Context, status mail.Status, now time.Time) (*mail.OutboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findErr != nil {
		return nil, s.findErr
	}

	var due *mail.OutboundRecord

	for _, record := range s.records {
		if record.Status != status || record.NextRetryAt.After(now) {
			continue
		}

		if due == nil || record.NextRetryAt.Before(due.NextRetryAt) {
			due = record
		}
	}

	if due == nil {
		return nil, nil
	}

	return cloneOutbound(due), nil
}

func (s *memoryOutboxStore) PageQuery(context.Context, mail.RecordQuery) (*mail.Page[mail.OutboundRecord], error) {
	return &mail.Page[mail.OutboundRecord]{}, nil
}

func (s *memoryOutboxStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.attempts)
}

var _ mail.OutboxStore = (*memoryOutboxStore)(nil)

// scriptedPublisher fakes the broker: it can fail the first N publishes and
// optionally drives a checker's ExecuteLocal inline, the way the AMQP
// publisher does.
type scriptedPublisher struct {
	mu        sync.Mutex
	checker   broker.TransactionChecker
	errs      []error
	calls     int
	published []mail.Envelope
}

func (p *scriptedPublisher) PublishTransactional(ctx context.Context, envelope mail.Envelope) (string, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.published = append(p.published, envelope)

	var err error
	if len(p.errs) >= call {
		err = p.errs[call-1]
	}

	checker := p.checker
	p.mu.Unlock()

	if err != nil {
		return "", err
	}

	transactionID := fmt.Sprintf("tx-%d", call)

	if checker != nil {
		checker.ExecuteLocal(ctx, transactionID)
	}

	return transactionID, nil
}

func (p *scriptedPublisher) publishCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}
