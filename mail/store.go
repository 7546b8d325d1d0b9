package mail

import (
	"context"
	"time"
)

// Pagination bounds a page query.
type Pagination struct {
	Page int
	Size int
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// Normalize clamps pagination to sane bounds.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}

	if p.Size < 1 {
		p.Size = defaultPageSize
	}

	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}

	return p
}

// Offset returns the row offset for the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Size
}

// Page is one page of query results.
type Page[T any] struct {
	Items []T
	Total int64
	Page  int
	Size  int
}

// RecordQuery filters mailbox record page queries. Zero values mean "no
// filter"; Status must be checked for emptiness before use.
type RecordQuery struct {
	MailID    string
	Channel   string
	Service   string
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Pagination
}

// AttemptQuery filters delivery attempt page queries for one record.
type AttemptQuery struct {
	RecordID  int64
	Direction Direction
	Status    Status
	Pagination
}

// OutboxStore is the persistence contract for producer-side records. All
// mutation goes through conditional updates keyed on the expected prior
// status; the store's atomicity guarantee is the only synchronization
// primitive between dispatcher workers.
type OutboxStore interface {
	// Save inserts a new record, assigning its surrogate ID.
	Save(ctx context.Context, record *OutboundRecord) error
	GetByID(ctx context.Context, id int64) (*OutboundRecord, error)
	GetByMailID(ctx context.Context, mailID string) (*OutboundRecord, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*OutboundRecord, error)
	// ConditionalUpdate applies the record's current fields only if the
	// stored row still has the expected status. Returns false when the row
	// was taken by another worker or no longer matches.
	ConditionalUpdate(ctx context.Context, record *OutboundRecord, expected Status) (bool, error)
	// UpdateWithAttempt is ConditionalUpdate plus an attempt-log insert in
	// one transaction: both apply or neither does.
	UpdateWithAttempt(ctx context.Context, record *OutboundRecord, expected Status, attempt *DeliveryAttempt) (bool, error)
	// FindOneDue returns the single oldest-due record in the given status
	// (next_retry_at <= now, ascending), or nil when none is due.
	FindOneDue(ctx context.Context, status Status, now time.Time) (*OutboundRecord, error)
	PageQuery(ctx context.Context, query RecordQuery) (*Page[OutboundRecord], error)
}

// InboxStore is the persistence contract for consumer-side records. The
// (channel, mail id) dedup key is unique; a second insert for the same key
// must fail with ErrDuplicateMail.
type InboxStore interface {
	Save(ctx context.Context, record *InboundRecord) error
	GetByID(ctx context.Context, id int64) (*InboundRecord, error)
	// GetByDedupKey returns the record for (channel, mailID), or nil when
	// the message has never been ingested.
	GetByDedupKey(ctx context.Context, channel, mailID string) (*InboundRecord, error)
	ConditionalUpdate(ctx context.Context, record *InboundRecord, expected Status) (bool, error)
	UpdateWithAttempt(ctx context.Context, record *InboundRecord, expected Status, attempt *DeliveryAttempt) (bool, error)
	FindOneDue(ctx context.Context, status Status, now time.Time) (*InboundRecord, error)
	PageQuery(ctx context.Context, query RecordQuery) (*Page[InboundRecord], error)
}

// AttemptStore exposes the append-only delivery attempt log for audit
// queries. Writes happen only through UpdateWithAttempt.
type AttemptStore interface {
	PageQueryAttempts(ctx context.Context, query AttemptQuery) (*Page[DeliveryAttempt], error)
}
