//go:build unit

package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate-io/mailgate/mail"
)

// fakeOutboxStore is the minimal producer-side store for query tests:
// point lookup, conditional update, canned page results.
type fakeOutboxStore struct {
	records   map[int64]*mail.OutboundRecord
	page      *mail.Page[mail.OutboundRecord]
	pageErr   error
	updateErr error
	lastQuery mail.RecordQuery
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{records: map[int64]*mail.OutboundRecord{}}
}

func (s *fakeOutboxStore) Save(_ context.Context, record *mail.OutboundRecord) error {
	s.records[record.ID] = record
	return nil
}

func (s *fakeOutboxStore) GetByID(_ context.Context, id int64) (*mail.OutboundRecord, error) {
	record, ok := s.records[id]
	if !ok {
		return nil, mail.ErrRecordNotFound
	}

	clone := *record

	return &clone, nil
}

func (s *fakeOutboxStore) GetByMailID(context.Context, string) (*mail.OutboundRecord, error) {
	return nil, mail.ErrRecordNotFound
}

func (s *fakeOutboxStore) GetByTransactionID(context.Context, string) (*mail.OutboundRecord, error) {
	return nil, mail.ErrRecordNotFound
}

func (s *fakeOutboxStore) ConditionalUpdate(_ context.Context, record *mail.OutboundRecord, expected mail.Status) (bool, error) {
	if s.updateErr != nil {
		return false, s.updateErr
	}

	stored, ok := s.records[record.ID]
	if !ok || stored.Status != expected {
		return false, nil
	}

	clone := *record
	s.records[record.ID] = &clone

	return true, nil
}

func (s *fakeOutboxStore) UpdateWithAttempt(ctx context.Context, record *mail.OutboundRecord, expected mail.Status, _ *mail.DeliveryAttempt) (bool, error) {
	return s.ConditionalUpdate(ctx, record, expected)
}

func (s *fakeOutboxStore) FindOneDue(context.Context, mail.Status, time.Time) (*mail.OutboundRecord, error) {
	return nil, nil
}

func (s *fakeOutboxStore) PageQuery(_ context.Context, query mail.RecordQuery) (*mail.Page[mail.OutboundRecord], error) {
	s.lastQuery = query

	if s.pageErr != nil {
		return nil, s.pageErr
	}

	if s.page != nil {
		return s.page, nil
	}

	return &mail.Page[mail.OutboundRecord]{Page: query.Page, Size: query.Size}, nil
}

var _ mail.OutboxStore = (*fakeOutboxStore)(nil)

// fakeInboxStore mirrors fakeOutboxStore for the consumer side.
type fakeInboxStore struct {
	records   map[int64]*mail.InboundRecord
	page      *mail.Page[mail.InboundRecord]
	pageErr   error
	lastQuery mail.RecordQuery
}

func newFakeInboxStore() *fakeInboxStore {
	return &fakeInboxStore{records: map[int64]*mail.InboundRecord{}}
}

func (s *fakeInboxStore) Save(_ context.Context, record *mail.InboundRecord) error {
	s.records[record.ID] = record
	return nil
}

func (s *fakeInboxStore) GetByID(_ context.Context, id int64) (*mail.InboundRecord, error) {
	record, ok := s.records[id]
	if !ok {
		return nil, mail.ErrRecordNotFound
	}

	clone := *record

	return &clone, nil
}

func (s *fakeInboxStore) GetByDedupKey(context.Context, string, string) (*mail.InboundRecord, error) {
	return nil, nil
}

func (s *fakeInboxStore) ConditionalUpdate(_ context.Context, record *mail.InboundRecord, expected mail.Status) (bool, error) {
	stored, ok := s.records[record.ID]
	if !ok || stored.Status != expected {
		return false, nil
	}

	clone := *record
	s.records[record.ID] = &clone

	return true, nil
}

func (s *fakeInboxStore) UpdateWithAttempt(ctx context.Context, record *mail.InboundRecord, expected mail.Status, _ *mail.DeliveryAttempt) (bool, error) {
	return s.ConditionalUpdate(ctx, record, expected)
}

func (s *fakeInboxStore) FindOneDue(context.Context, mail.Status, time.Time) (*mail.InboundRecord, error) {
	return nil, nil
}

func (s *fakeInboxStore) PageQuery(_ context.Context, query mail.RecordQuery) (*mail.Page[mail.InboundRecord], error) {
	s.lastQuery = query

	if s.pageErr != nil {
		return nil, s.pageErr
	}

	if s.page != nil {
		return s.page, nil
	}

	return &mail.Page[mail.InboundRecord]{Page: query.Page, Size: query.Size}, nil
}

var _ mail.InboxStore = (*fakeInboxStore)(nil)

// fakeAttemptStore returns canned attempt pages.
type fakeAttemptStore struct {
	page      *mail.Page[mail.DeliveryAttempt]
	pageErr   error
	lastQuery mail.AttemptQuery
}

func (s *fakeAttemptStore) PageQueryAttempts(_ context.Context, query mail.AttemptQuery) (*mail.Page[mail.DeliveryAttempt], error) {
	s.lastQuery = query

	if s.pageErr != nil {
		return nil, s.pageErr
	}

	if s.page != nil {
		return s.page, nil
	}

	return &mail.Page[mail.DeliveryAttempt]{}, nil
}

var _ mail.AttemptStore = (*fakeAttemptStore)(nil)

var queryNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, outbox *fakeOutboxStore, inbox *fakeInboxStore, attempts *fakeAttemptStore) *Service {
	t.Helper()

	if outbox == nil {
		outbox = newFakeOutboxStore()
	}

	if inbox == nil {
		inbox = newFakeInboxStore()
	}

	if attempts == nil {
		attempts = &fakeAttemptStore{}
	}

	clock := mail.ClockFunc(func() time.Time { return queryNow })

	service, err := NewService(outbox, inbox, attempts, WithServiceClock(clock))
	require.NoError(t, err)

	return service
}

func failedOutboundRecord(id int64) *mail.OutboundRecord {
	return &mail.OutboundRecord{
		ID:      id,
		MailID:  "m1",
		Channel: "x",
		Content: []byte("hello"),
		Status:  mail.StatusFail,
		Retries: 3,
		Remark:  "broker down",
	}
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil, newFakeInboxStore(), &fakeAttemptStore{})
	assert.ErrorIs(t, err, ErrOutboxStoreRequired)

	_, err = NewService(newFakeOutboxStore(), nil, &fakeAttemptStore{})
	assert.ErrorIs(t, err, ErrInboxStoreRequired)

	_, err = NewService(newFakeOutboxStore(), newFakeInboxStore(), nil)
	assert.ErrorIs(t, err, ErrAttemptStoreRequired)
}

func TestResendOutbound(t *testing.T) {
	t.Parallel()

	t.Run("resets a failed record", func(t *testing.T) {
		t.Parallel()

		outbox := newFakeOutboxStore()
		outbox.records[1] = failedOutboundRecord(1)

		service := newTestService(t, outbox, nil, nil)

		record, err := service.ResendOutbound(context.Background(), 1)
		require.NoError(t, err)

		assert.Equal(t, mail.StatusPending, record.Status)
		assert.Zero(t, record.Retries)
		assert.Empty(t, record.Remark)
		assert.Equal(t, queryNow, record.NextRetryAt)

		stored := outbox.records[1]
		assert.Equal(t, mail.StatusPending, stored.Status)
	})

	t.Run("rejects records that are not failed", func(t *testing.T) {
		t.Parallel()

		outbox := newFakeOutboxStore()
		record := failedOutboundRecord(1)
		record.Status = mail.StatusRetrying
		outbox.records[1] = record

		service := newTestService(t, outbox, nil, nil)

		_, err := service.ResendOutbound(context.Background(), 1)
		assert.ErrorIs(t, err, ErrResendNotAllowed)
	})

	t.Run("missing record", func(t *testing.T) {
		t.Parallel()

		service := newTestService(t, nil, nil, nil)

		_, err := service.ResendOutbound(context.Background(), 42)
		assert.ErrorIs(t, err, mail.ErrRecordNotFound)
	})

	t.Run("lost race surfaces a conflict", func(t *testing.T) {
		t.Parallel()

		outbox := newFakeOutboxStore()
		outbox.records[1] = failedOutboundRecord(1)

		service := newTestService(t, outbox, nil, nil)

		// Another resend finished between the read and the reset.
		outbox.records[1].Status = mail.StatusPending

		_, err := service.ResendOutbound(context.Background(), 1)
		assert.ErrorIs(t, err, ErrResendConflict)
	})
}

func TestResendInbound(t *testing.T) {
	t.Parallel()

	inbox := newFakeInboxStore()
	inbox.records[7] = &mail.InboundRecord{
		ID:      7,
		MailID:  "m7",
		Channel: "x",
		Content: []byte("hello"),
		Status:  mail.StatusFail,
		Retries: 2,
		Remark:  "postman declined delivery",
	}

	service := newTestService(t, nil, inbox, nil)

	record, err := service.ResendInbound(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, mail.StatusPending, record.Status)
	assert.Zero(t, record.Retries)
	assert.Empty(t, record.Remark)
	assert.Equal(t, queryNow, record.NextRetryAt)

	// The reset reuses the row; the dedup key stays unique.
	assert.Len(t, inbox.records, 1)
}

func TestQueryPassthrough(t *testing.T) {
	t.Parallel()

	outbox := newFakeOutboxStore()
	inbox := newFakeInboxStore()
	attempts := &fakeAttemptStore{}
	service := newTestService(t, outbox, inbox, attempts)

	query := mail.RecordQuery{Channel: "x", Status: mail.StatusSent}

	_, err := service.QueryOutbound(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, "x", outbox.lastQuery.Channel)

	_, err = service.QueryInbound(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, mail.StatusSent, inbox.lastQuery.Status)

	_, err = service.QueryAttempts(context.Background(), mail.AttemptQuery{RecordID: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(9), attempts.lastQuery.RecordID)

	outbox.pageErr = errors.New("store down")

	_, err = service.QueryOutbound(context.Background(), query)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
}

func TestStatusDictionary(t *testing.T) {
	t.Parallel()

	service := newTestService(t, nil, nil, nil)

	entries := service.StatusDictionary()
	require.Len(t, entries, 5)

	terminal := map[string]bool{}
	for _, entry := range entries {
		terminal[entry.Value] = entry.Terminal
	}

	assert.False(t, terminal["PENDING"])
	assert.False(t, terminal["SENDING"])
	assert.False(t, terminal["RETRYING"])
	assert.True(t, terminal["SENT"])
	assert.True(t, terminal["FAIL"])
}
