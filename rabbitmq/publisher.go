package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailgate-io/mailgate/broker"
	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
)

// HeaderTransactionID carries the broker transaction ID on staged messages.
const HeaderTransactionID = "txId"

const (
	// DefaultStagingExchange holds half-messages awaiting an outcome.
	DefaultStagingExchange = "mailgate.staging"

	// DefaultStagingQueue is the durable queue bound to the staging exchange;
	// it is drained on startup to recover in-doubt transactions.
	DefaultStagingQueue = "mailgate.staging"

	// DefaultDestinationExchange receives promoted, consumer-visible messages.
	DefaultDestinationExchange = "mailgate.mail"

	// DefaultConfirmTimeout is the timeout for waiting on broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// DefaultCheckInterval is the resolver pass cadence.
	DefaultCheckInterval = 15 * time.Second

	// DefaultCheckGrace is how long a staged message stays untouched before
	// the resolver starts asking CheckStatus.
	DefaultCheckGrace = 30 * time.Second

	// DefaultMaxChecks bounds CheckStatus polls per transaction; after this
	// many UNKNOWN answers the half-message is discarded.
	DefaultMaxChecks = 15

	confirmChannelBuffer = 256
)

var (
	ErrCheckerRequired    = errors.New("transaction checker is required")
	ErrConnectionRequired = errors.New("rabbitmq connection is required")
	ErrPublisherClosed    = errors.New("tx publisher is closed")
	ErrPublishNacked      = errors.New("message was nacked by broker")
	ErrConfirmTimeout     = errors.New("confirmation timed out")
)

// ConfirmableChannel is the slice of amqp.Channel the publisher needs, kept
// as an interface so outcome handling is testable without a broker.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// ChannelProvider returns a fresh confirm-capable channel.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// stagedMessage is one half-message awaiting resolution.
type stagedMessage struct {
	envelope mail.Envelope
	outcome  broker.Outcome
	stagedAt time.Time
	checks   int
}

// TxPublisher implements broker.TransactionalPublisher over AMQP. The
// half-message goes to a staging exchange first; once the local transaction
// commits, the resolver promotes it to the destination exchange. An
// in-doubt transaction is polled through the TransactionChecker until it
// resolves or the check budget runs out. On startup the staging queue is
// drained to rebuild the in-doubt set a dead process left behind.
type TxPublisher struct {
	provider            ChannelProvider
	checker             broker.TransactionChecker
	logger              log.Logger
	clock               mail.Clock
	stagingExchange     string
	stagingQueue        string
	destinationExchange string
	confirmTimeout      time.Duration
	checkInterval       time.Duration
	checkGrace          time.Duration
	maxChecks           int

	// publishMu serializes publish and confirm-wait: confirmations carry no
	// correlation back to the caller, so arrival order is the attribution.
	publishMu sync.Mutex

	mu       sync.Mutex
	channel  ConfirmableChannel
	confirms chan amqp.Confirmation
	staged   map[string]*stagedMessage
	closed   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// TxPublisherOption configures a TxPublisher.
type TxPublisherOption func(*TxPublisher)

// WithLogger sets a structured logger for the publisher.
func WithLogger(logger log.Logger) TxPublisherOption {
	return func(p *TxPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the publisher clock. Used in tests.
func WithClock(clock mail.Clock) TxPublisherOption {
	return func(p *TxPublisher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithExchanges overrides the staging and destination exchanges.
func WithExchanges(staging, destination string) TxPublisherOption {
	return func(p *TxPublisher) {
		if staging != "" {
			p.stagingExchange = staging
		}

		if destination != "" {
			p.destinationExchange = destination
		}
	}
}

// WithStagingQueue overrides the queue drained during startup recovery.
func WithStagingQueue(queue string) TxPublisherOption {
	return func(p *TxPublisher) {
		if queue != "" {
			p.stagingQueue = queue
		}
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
func WithConfirmTimeout(timeout time.Duration) TxPublisherOption {
	return func(p *TxPublisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithCheckPolicy tunes the in-doubt resolver: pass cadence, how long a
// staged message rests before the first CheckStatus, and the poll budget.
func WithCheckPolicy(interval, grace time.Duration, maxChecks int) TxPublisherOption {
	return func(p *TxPublisher) {
		if interval > 0 {
			p.checkInterval = interval
		}

		if grace > 0 {
			p.checkGrace = grace
		}

		if maxChecks > 0 {
			p.maxChecks = maxChecks
		}
	}
}

// NewTxPublisher creates a transactional publisher over conn.
func NewTxPublisher(conn *Connection, checker broker.TransactionChecker, opts ...TxPublisherOption) (*TxPublisher, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	provider := func(ctx context.Context) (ConfirmableChannel, error) {
		return conn.NewChannel(ctx)
	}

	return newTxPublisher(provider, checker, opts...)
}

func newTxPublisher(provider ChannelProvider, checker broker.TransactionChecker, opts ...TxPublisherOption) (*TxPublisher, error) {
	if checker == nil {
		return nil, ErrCheckerRequired
	}

	p := &TxPublisher{
		provider:            provider,
		checker:             checker,
		logger:              log.NewNop(),
		clock:               mail.SystemClock{},
		stagingExchange:     DefaultStagingExchange,
		stagingQueue:        DefaultStagingQueue,
		destinationExchange: DefaultDestinationExchange,
		confirmTimeout:      DefaultConfirmTimeout,
		checkInterval:       DefaultCheckInterval,
		checkGrace:          DefaultCheckGrace,
		maxChecks:           DefaultMaxChecks,
		staged:              map[string]*stagedMessage{},
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Run recovers staged half-messages, then starts the in-doubt resolver loop
// and blocks until Stop or context cancellation.
func (p *TxPublisher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	defer close(p.doneCh)

	p.recoverStaged(ctx)

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.resolveInDoubt(ctx)
		}
	}
}

// Stop terminates the resolver loop and releases the channel.
func (p *TxPublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Log(context.Background(), log.LevelWarn, "failed to close publisher channel", log.Err(err))
		}

		p.channel = nil
		p.confirms = nil
	}
}

// PublishTransactional stages the envelope, asks the checker for the local
// transaction outcome, and resolves immediately when the answer is final.
func (p *TxPublisher) PublishTransactional(ctx context.Context, envelope mail.Envelope) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	transactionID := uuid.NewString()

	headers := envelopeHeaders(envelope)
	headers[HeaderTransactionID] = transactionID

	if err := p.publishConfirmed(ctx, p.stagingExchange, envelope.Channel, headers, envelope.Content); err != nil {
		return "", fmt.Errorf("staging publish: %w", err)
	}

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return "", ErrPublisherClosed
	}

	p.staged[transactionID] = &stagedMessage{
		envelope: envelope,
		outcome:  broker.OutcomeUnknown,
		stagedAt: p.clock.Now(),
	}
	p.mu.Unlock()

	outcome := p.checker.ExecuteLocal(ctx, transactionID)
	p.resolve(ctx, transactionID, outcome)

	return transactionID, nil
}

// resolveInDoubt polls CheckStatus for staged messages past the grace
// period and applies the answers.
func (p *TxPublisher) resolveInDoubt(ctx context.Context) {
	now := p.clock.Now()

	p.mu.Lock()

	due := make(map[string]broker.Outcome, len(p.staged))

	for transactionID, staged := range p.staged {
		if staged.outcome == broker.OutcomeCommit {
			// Promotion failed earlier; retry without asking again.
			due[transactionID] = broker.OutcomeCommit
			continue
		}

		if now.Sub(staged.stagedAt) < p.checkGrace {
			continue
		}

		staged.checks++

		if staged.checks > p.maxChecks {
			p.logger.Log(ctx, log.LevelWarn, "discarding half-message after exhausting status checks",
				log.String("transaction_id", transactionID),
				log.String("mail_id", staged.envelope.MailID))

			delete(p.staged, transactionID)

			continue
		}

		due[transactionID] = broker.OutcomeUnknown
	}

	p.mu.Unlock()

	for transactionID, known := range due {
		outcome := known
		if outcome == broker.OutcomeUnknown {
			outcome = p.checker.CheckStatus(ctx, transactionID)
		}

		p.resolve(ctx, transactionID, outcome)
	}
}

// resolve applies a transaction outcome to a staged message.
func (p *TxPublisher) resolve(ctx context.Context, transactionID string, outcome broker.Outcome) {
	p.mu.Lock()
	staged, ok := p.staged[transactionID]

	if !ok {
		p.mu.Unlock()
		return
	}

	switch outcome {
	case broker.OutcomeRollback:
		delete(p.staged, transactionID)
		p.mu.Unlock()

		p.logger.Log(ctx, log.LevelDebug, "rolled back half-message",
			log.String("transaction_id", transactionID))

		return
	case broker.OutcomeCommit:
		staged.outcome = broker.OutcomeCommit
		envelope := staged.envelope
		p.mu.Unlock()

		headers := envelopeHeaders(envelope)
		headers[HeaderTransactionID] = transactionID

		if err := p.publishConfirmed(ctx, p.destinationExchange, envelope.Channel, headers, envelope.Content); err != nil {
			p.logger.Log(ctx, log.LevelError, "failed to promote half-message, will retry",
				log.String("transaction_id", transactionID), log.Err(err))

			return
		}

		p.mu.Lock()
		delete(p.staged, transactionID)
		p.mu.Unlock()

		return
	default:
		p.mu.Unlock()
	}
}

// publishConfirmed sends one message in confirm mode and waits for the ack.
// Calls are serialized per publisher instance so a confirmation always
// belongs to the publish that is waiting on it.
func (p *TxPublisher) publishConfirmed(ctx context.Context, exchange, routingKey string, headers amqp.Table, body []byte) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	channel, confirms, err := p.ensureChannel(ctx)
	if err != nil {
		return err
	}

	err = channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    stringHeader(headers, mail.HeaderMailID),
		Timestamp:    p.clock.Now(),
		Body:         body,
	})
	if err != nil {
		p.dropChannel()
		return fmt.Errorf("%w: %s", broker.ErrPublishRejected, err)
	}

	select {
	case confirmation, open := <-confirms:
		if !open {
			p.dropChannel()
			return fmt.Errorf("%w: confirm channel closed", broker.ErrPublishRejected)
		}

		if !confirmation.Ack {
			return fmt.Errorf("%w: %s", broker.ErrPublishRejected, ErrPublishNacked)
		}

		return nil
	case <-time.After(p.confirmTimeout):
		p.dropChannel()
		return fmt.Errorf("%w: %s", broker.ErrPublishRejected, ErrConfirmTimeout)
	case <-ctx.Done():
		// The confirm may still arrive; drop the channel so it cannot be
		// read by the next publish.
		p.dropChannel()

		return fmt.Errorf("waiting for confirm: %w", ctx.Err())
	}
}

// ensureChannel returns the cached confirm-mode channel, dialing a fresh one
// when needed.
func (p *TxPublisher) ensureChannel(ctx context.Context) (ConfirmableChannel, chan amqp.Confirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrPublisherClosed
	}

	if p.channel == nil {
		ch, err := p.provider(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", broker.ErrPublishRejected, err)
		}

		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, nil, fmt.Errorf("enabling confirm mode: %w", err)
		}

		p.channel = ch
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	}

	return p.channel, p.confirms, nil
}

// recoverStaged drains the staging queue, rebuilding the in-doubt set a dead
// process left behind. Recovered half-messages re-enter the normal
// resolution flow: CheckStatus decides promote, discard, or keep polling.
func (p *TxPublisher) recoverStaged(ctx context.Context) {
	channel, _, err := p.ensureChannel(ctx)
	if err != nil {
		p.logger.Log(ctx, log.LevelWarn, "staging recovery skipped, channel unavailable", log.Err(err))
		return
	}

	recovered := 0

	for ctx.Err() == nil {
		msg, ok, err := channel.Get(p.stagingQueue, true)
		if err != nil {
			p.logger.Log(ctx, log.LevelWarn, "staging recovery aborted",
				log.String("queue", p.stagingQueue),
				log.Err(err))
			p.dropChannel()

			return
		}

		if !ok {
			break
		}

		transactionID := stringHeader(msg.Headers, HeaderTransactionID)
		if transactionID == "" {
			p.logger.Log(ctx, log.LevelWarn, "dropping staged message without transaction id",
				log.String("mail_id", stringHeader(msg.Headers, mail.HeaderMailID)))

			continue
		}

		envelope := mail.EnvelopeFromHeaders(msg.RoutingKey, msg.Body, tableToHeaders(msg.Headers), p.clock)

		p.mu.Lock()

		if _, exists := p.staged[transactionID]; !exists {
			p.staged[transactionID] = &stagedMessage{
				envelope: envelope,
				outcome:  broker.OutcomeUnknown,
				stagedAt: p.clock.Now(),
			}
			recovered++
		}

		p.mu.Unlock()
	}

	if recovered > 0 {
		p.logger.Log(ctx, log.LevelInfo, "recovered staged half-messages",
			log.Int("count", recovered))
	}
}

// dropChannel discards the cached channel so the next publish redials.
func (p *TxPublisher) dropChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
		p.confirms = nil
	}
}

// StagedCount reports how many half-messages await resolution.
func (p *TxPublisher) StagedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.staged)
}

func envelopeHeaders(envelope mail.Envelope) amqp.Table {
	headers := amqp.Table{}

	for key, value := range envelope.Headers() {
		headers[key] = value
	}

	return headers
}

func stringHeader(headers amqp.Table, key string) string {
	if value, ok := headers[key].(string); ok {
		return value
	}

	return ""
}

var _ broker.TransactionalPublisher = (*TxPublisher)(nil)
