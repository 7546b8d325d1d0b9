package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
)

const (
	outboxTable  = "mailbox_out"
	inboxTable   = "mailbox_in"
	attemptTable = "delivery_attempt"

	pgUniqueViolation = "23505"

	defaultTransactionTimeout = 30 * time.Second
	defaultSnowflakeNode      = 1
)

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrStoreClosed        = errors.New("mailbox store not initialized")
)

// storeOptions are shared across the outbox and inbox stores.
type storeOptions struct {
	logger             log.Logger
	clock              mail.Clock
	transactionTimeout time.Duration
	snowflakeNode      int64
}

// Option configures a store.
type Option func(*storeOptions)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the store clock. Used in tests.
func WithClock(clock mail.Clock) Option {
	return func(o *storeOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTransactionTimeout bounds the implicit transaction opened by
// UpdateWithAttempt when the caller context has no deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(o *storeOptions) {
		if timeout > 0 {
			o.transactionTimeout = timeout
		}
	}
}

// WithSnowflakeNode sets the node ID used for surrogate record IDs. Each
// gateway instance writing to the same database needs a distinct node.
func WithSnowflakeNode(node int64) Option {
	return func(o *storeOptions) {
		o.snowflakeNode = node
	}
}

func newStoreOptions(opts []Option) (storeOptions, *snowflake.Node, error) {
	options := storeOptions{
		logger:             log.NewNop(),
		clock:              mail.SystemClock{},
		transactionTimeout: defaultTransactionTimeout,
		snowflakeNode:      defaultSnowflakeNode,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	node, err := snowflake.NewNode(options.snowflakeNode)
	if err != nil {
		return options, nil, fmt.Errorf("creating snowflake node: %w", err)
	}

	return options, node, nil
}

// isUniqueViolation reports whether err is a postgres unique-constraint
// violation, the signal behind duplicate ingest detection.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	return false
}

// withTx runs fn inside a transaction on db, committing on success. When the
// caller context carries no deadline, the transaction is bounded by timeout.
func withTx(ctx context.Context, db *sql.DB, timeout time.Duration, fn func(tx *sql.Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, errors.New("nil result")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}

// recordFilter builds the WHERE clause shared by the outbox and inbox page
// queries. The returned clause starts with " WHERE" or is empty; args line up
// with $1..$n placeholders.
func recordFilter(query mail.RecordQuery) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, condition+"$"+strconv.Itoa(len(args)))
	}

	if query.MailID != "" {
		add("mail_id = ", query.MailID)
	}

	if query.Channel != "" {
		add("channel = ", query.Channel)
	}

	if query.Service != "" {
		add("service = ", query.Service)
	}

	if query.Status != "" {
		add("status = ", string(query.Status))
	}

	if !query.StartTime.IsZero() {
		add("created_at >= ", query.StartTime)
	}

	if !query.EndTime.IsZero() {
		add("created_at < ", query.EndTime)
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// attemptFilter builds the WHERE clause for delivery attempt queries.
func attemptFilter(query mail.AttemptQuery) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, condition+"$"+strconv.Itoa(len(args)))
	}

	if query.RecordID != 0 {
		add("record_id = ", query.RecordID)
	}

	if query.Direction != "" {
		add("direction = ", string(query.Direction))
	}

	if query.Status != "" {
		add("status = ", string(query.Status))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func insertAttempt(ctx context.Context, tx *sql.Tx, node *snowflake.Node, attempt *mail.DeliveryAttempt, now time.Time) error {
	if attempt.ID == 0 {
		attempt.ID = node.Generate().Int64()
	}

	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = now
	}

	const query = "INSERT INTO " + attemptTable +
		" (id, record_id, direction, delivered_at, status, retries, remark, created_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

	_, err := tx.ExecContext(ctx, query,
		attempt.ID,
		attempt.RecordID,
		string(attempt.Direction),
		attempt.DeliveredAt,
		string(attempt.Status),
		attempt.Retries,
		attempt.Remark,
		attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}

	return nil
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if logger == nil || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", mail.SanitizeRemarkError(err)))
}
