//go:build unit

package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/mailgate-io/mailgate/mail"
	"github.com/mailgate-io/mailgate/postman"
)

// memoryInboxStore implements mail.InboxStore with the same atomicity
// contract as the postgres store: the dedup key is unique and
// ConditionalUpdate applies only when the stored status matches.
type memoryInboxStore struct {
	mu       sync.Mutex
	nextID   int64
	records  map[int64]*mail.InboundRecord
	attempts []mail.DeliveryAttempt

	saveErr   error
	dedupErr  error
	findErr   error
	updateErr error
}

func newMemoryInboxStore() *memoryInboxStore {
	return &memoryInboxStore{records: map[int64]*mail.InboundRecord{}}
}

func cloneInbound(record *mail.InboundRecord) *mail.InboundRecord {
	clone := *record

	if record.DeliveredAt != nil {
		t := *record.DeliveredAt
		clone.DeliveredAt = &t
	}

	return &clone
}

func (s *memoryInboxStore) Save(_ context.Context, record *mail.InboundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	for _, existing := range s.records {
		if existing.Channel == record.Channel && existing.MailID == record.MailID {
			return mail.ErrDuplicateMail
		}
	}

	if record.ID == 0 {
		s.nextID++
		record.ID = s.nextID
	}

	s.records[record.ID] = cloneInbound(record)

	return nil
}

func (s *memoryInboxStore) GetByID(_ context.Context, id int64) (*mail.InboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, mail.ErrRecordNotFound
	}

	return cloneInbound(record), nil
}

func (s *memoryInboxStore) GetByDedupKey(_ context.Context, channel, mailID string) (*mail.InboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedupErr != nil {
		return nil, s.dedupErr
	}

	for _, record := range s.records {
		if record.Channel == channel && record.MailID == mailID {
			return cloneInbound(record), nil
		}
	}

	return nil, nil
}

func (s *memoryInboxStore) ConditionalUpdate(_ context.Context, record *mail.InboundRecord, expected mail.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conditionalUpdateLocked(record, expected)
}

func (s *memoryInboxStore) conditionalUpdateLocked(record *mail.InboundRecord, expected mail.Status) (bool, error) {
	if s.updateErr != nil {
		return false, s.updateErr
	}

	stored, ok := s.records[record.ID]
	if !ok || stored.Status != expected {
		return false, nil
	}

	s.records[record.ID] = cloneInbound(record)

	return true, nil
}

func (s *memoryInboxStore) UpdateWithAttempt(_ context.Context, record *mail.InboundRecord, expected mail.Status, attempt *mail.DeliveryAttempt) (bool, error) {
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

func (s *memoryInboxStore) FindOneDue(_ context.Context, status mail.Status, now time.Time) (*mail.InboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findErr != nil {
		return nil, s.findErr
	}

	var due *mail.InboundRecord

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

	return cloneInbound(due), nil
}

func (s *memoryInboxStore) PageQuery(context.Context, mail.RecordQuery) (*mail.Page[mail.InboundRecord], error) {
	return &mail.Page[mail.InboundRecord]{}, nil
}

func (s *memoryInboxStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

func (s *memoryInboxStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.attempts)
}

var _ mail.InboxStore = (*memoryInboxStore)(nil)

// deliveryScript is one scripted postman outcome.
type deliveryScript struct {
	delivered bool
	err       error
	panicMsg  string
}

// scriptedPostman serves one channel and plays back scripted outcomes; an
// exhausted script keeps delivering successfully.
type scriptedPostman struct {
	mu             sync.Mutex
	channel        string
	script         []deliveryScript
	encapsulateErr error
	calls          int
}

func (p *scriptedPostman) Supports(channel string) bool {
	return channel == p.channel
}

func (p *scriptedPostman) Encapsulate(record *mail.InboundRecord) (postman.Message, error) {
	if p.encapsulateErr != nil {
		return nil, p.encapsulateErr
	}

	return record, nil
}

func (p *scriptedPostman) Deliver(context.Context, postman.Message) (bool, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	if call >= len(p.script) {
		return true, nil
	}

	step := p.script[call]
	if step.panicMsg != "" {
		panic(step.panicMsg)
	}

	return step.delivered, step.err
}

func (p *scriptedPostman) deliverCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

var _ postman.Postman = (*scriptedPostman)(nil)
