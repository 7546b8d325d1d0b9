package mail

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction distinguishes producer-side and consumer-side records in shared
// structures such as the delivery attempt log.
type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// OutboundRecord is one row of the producer-side outbox: a message a caller
// decided to send, persisted before any broker interaction so a crash between
// "decide to send" and "broker accepts it" loses nothing.
type OutboundRecord struct {
	ID            int64
	MailID        string
	TransactionID string
	Channel       string
	Title         string
	Service       string
	Recipients    string
	Content       []byte
	PostTime      time.Time
	NextRetryAt   time.Time
	Retries       int
	Status        Status
	Remark        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
}

// NewOutbound validates an envelope and builds a PENDING outbox record due
// immediately. A blank MailID is replaced with a generated one.
func NewOutbound(envelope Envelope, clock Clock) (*OutboundRecord, error) {
	if clock == nil {
		clock = SystemClock{}
	}

	if strings.TrimSpace(envelope.Channel) == "" {
		return nil, ErrChannelRequired
	}

	if len(bytes.TrimSpace(envelope.Content)) == 0 {
		return nil, ErrContentRequired
	}

	mailID := strings.TrimSpace(envelope.MailID)
	if mailID == "" {
		mailID = uuid.NewString()
	}

	now := clock.Now()

	return &OutboundRecord{
		MailID:      mailID,
		Channel:     envelope.Channel,
		Title:       envelope.Title,
		Service:     envelope.Service,
		Recipients:  envelope.Recipients,
		Content:     envelope.Content,
		PostTime:    now,
		NextRetryAt: now,
		Retries:     0,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Envelope renders the record as a wire envelope for publishing.
func (r *OutboundRecord) Envelope() Envelope {
	return Envelope{
		MailID:     r.MailID,
		Channel:    r.Channel,
		Title:      r.Title,
		Service:    r.Service,
		Recipients: r.Recipients,
		PostTime:   r.PostTime,
		Content:    r.Content,
	}
}

// InboundRecord is one row of the consumer-side inbox: a message pulled off
// the broker for final delivery, deduplicated by (channel, mail id).
type InboundRecord struct {
	ID          int64
	MailID      string
	Channel     string
	Title       string
	Service     string
	Recipients  string
	Content     []byte
	PostTime    time.Time
	NextRetryAt time.Time
	Retries     int
	Status      Status
	Remark      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt *time.Time
}

// NewInbound builds a SENDING inbox record from a received envelope. The
// record is created mid-claim because ingest immediately attempts delivery.
func NewInbound(envelope Envelope, clock Clock) (*InboundRecord, error) {
	if clock == nil {
		clock = SystemClock{}
	}

	if strings.TrimSpace(envelope.Channel) == "" {
		return nil, ErrChannelRequired
	}

	if len(bytes.TrimSpace(envelope.Content)) == 0 {
		return nil, ErrContentRequired
	}

	now := clock.Now()

	postTime := envelope.PostTime
	if postTime.IsZero() {
		postTime = now
	}

	return &InboundRecord{
		MailID:      envelope.MailID,
		Channel:     envelope.Channel,
		Title:       envelope.Title,
		Service:     envelope.Service,
		Recipients:  envelope.Recipients,
		Content:     envelope.Content,
		PostTime:    postTime,
		NextRetryAt: now,
		Retries:     0,
		Status:      StatusSending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DeliveryAttempt is one append-only audit row recording the outcome of a
// delivery attempt. Never mutated after insert and never used for control
// flow.
type DeliveryAttempt struct {
	ID          int64
	RecordID    int64
	Direction   Direction
	DeliveredAt time.Time
	Status      Status
	Retries     int
	Remark      string
	CreatedAt   time.Time
}
