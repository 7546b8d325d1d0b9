package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/mailgate-io/mailgate/mail"
)

const outboxColumns = "id, mail_id, transaction_id, channel, title, service, recipients, content, " +
	"post_time, next_retry_at, retries, status, remark, created_at, updated_at, delivered_at"

// OutboxStore persists producer-side mailbox records.
type OutboxStore struct {
	conn    *Connection
	node    *snowflake.Node
	options storeOptions
}

// NewOutboxStore creates a postgres-backed outbox store.
func NewOutboxStore(conn *Connection, opts ...Option) (*OutboxStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	options, node, err := newStoreOptions(opts)
	if err != nil {
		return nil, err
	}

	return &OutboxStore{conn: conn, node: node, options: options}, nil
}

// Save inserts a new outbox record, assigning its surrogate ID.
func (s *OutboxStore) Save(ctx context.Context, record *mail.OutboundRecord) error {
	if record == nil {
		return mail.ErrRecordRequired
	}

	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return err
	}

	if record.ID == 0 {
		record.ID = s.node.Generate().Int64()
	}

	now := s.options.clock.Now()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	const query = "INSERT INTO " + outboxTable + " (" + outboxColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)"

	_, err = db.ExecContext(ctx, query,
		record.ID,
		record.MailID,
		record.TransactionID,
		record.Channel,
		record.Title,
		record.Service,
		record.Recipients,
		record.Content,
		record.PostTime,
		record.NextRetryAt,
		record.Retries,
		string(record.Status),
		record.Remark,
		record.CreatedAt,
		record.UpdatedAt,
		nullableTime(record.DeliveredAt),
	)
	if err != nil {
		logSanitizedError(s.options.logger, ctx, "failed to save outbox record", err)
		return fmt.Errorf("saving outbox record: %w", err)
	}

	return nil
}

// GetByID retrieves an outbox record by surrogate ID.
func (s *OutboxStore) GetByID(ctx context.Context, id int64) (*mail.OutboundRecord, error) {
	return s.getBy(ctx, "id = $1", id)
}

// GetByMailID retrieves an outbox record by business mail ID.
func (s *OutboxStore) GetByMailID(ctx context.Context, mailID string) (*mail.OutboundRecord, error) {
	return s.getBy(ctx, "mail_id = $1", mailID)
}

// GetByTransactionID retrieves the record bound to a broker transaction.
func (s *OutboxStore) GetByTransactionID(ctx context.Context, transactionID string) (*mail.OutboundRecord, error) {
	return s.getBy(ctx, "transaction_id = $1", transactionID)
}

func (s *OutboxStore) getBy(ctx context.Context, condition string, arg any) (*mail.OutboundRecord, error) {
	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + outboxColumns + " FROM " + outboxTable + " WHERE " + condition

	record, err := scanOutboundRecord(db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mail.ErrRecordNotFound
		}

		logSanitizedError(s.options.logger, ctx, "failed to get outbox record", err)

		return nil, fmt.Errorf("getting outbox record: %w", err)
	}

	return record, nil
}

// ConditionalUpdate applies the record's current fields only if the stored
// row still has the expected status. Returns false when another worker won.
func (s *OutboxStore) ConditionalUpdate(ctx context.Context, record *mail.OutboundRecord, expected mail.Status) (bool, error) {
	if record == nil {
		return false, mail.ErrRecordRequired
	}

	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return false, err
	}

	record.UpdatedAt = s.options.clock.Now()

	result, err := db.ExecContext(ctx, outboxConditionalUpdateQuery, outboxConditionalUpdateArgs(record, expected)...)
	if err != nil {
		logSanitizedError(s.options.logger, ctx, "failed to update outbox record", err)
		return false, fmt.Errorf("updating outbox record: %w", err)
	}

	rows, err := rowsAffected(result)
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// UpdateWithAttempt is ConditionalUpdate plus an attempt-log insert in one
// transaction. The attempt row is only written when the status guard holds,
// so a lost race leaves no orphan audit row.
func (s *OutboxStore) UpdateWithAttempt(
	ctx context.Context,
	record *mail.OutboundRecord,
	expected mail.Status,
	attempt *mail.DeliveryAttempt,
) (bool, error) {
	if record == nil {
		return false, mail.ErrRecordRequired
	}

	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return false, err
	}

	now := s.options.clock.Now()
	record.UpdatedAt = now

	var updated bool

	err = withTx(ctx, db, s.options.transactionTimeout, func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx, outboxConditionalUpdateQuery, outboxConditionalUpdateArgs(record, expected)...)
		if execErr != nil {
			return fmt.Errorf("updating outbox record: %w", execErr)
		}

		rows, rowsErr := rowsAffected(result)
		if rowsErr != nil {
			return rowsErr
		}

		if rows == 0 {
			return nil
		}

		updated = true

		if attempt != nil {
			return insertAttempt(ctx, tx, s.node, attempt, now)
		}

		return nil
	})
	if err != nil {
		logSanitizedError(s.options.logger, ctx, "failed to update outbox record with attempt", err)
		return false, err
	}

	return updated, nil
}

// FindOneDue returns the oldest-due record in the given status, or nil when
// none is due.
func (s *OutboxStore) FindOneDue(ctx context.Context, status mail.Status, now time.Time) (*mail.OutboundRecord, error) {
	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	const query = "SELECT " + outboxColumns + " FROM " + outboxTable +
		" WHERE status = $1 AND next_retry_at <= $2 ORDER BY next_retry_at ASC LIMIT 1"

	record, err := scanOutboundRecord(db.QueryRowContext(ctx, query, string(status), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		logSanitizedError(s.options.logger, ctx, "failed to find due outbox record", err)

		return nil, fmt.Errorf("finding due outbox record: %w", err)
	}

	return record, nil
}

// PageQuery returns one page of outbox records matching the filter, newest
// first.
func (s *OutboxStore) PageQuery(ctx context.Context, query mail.RecordQuery) (*mail.Page[mail.OutboundRecord], error) {
	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	pagination := query.Pagination.Normalize()
	filter, args := recordFilter(query)

	var total int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+outboxTable+filter, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting outbox records: %w", err)
	}

	page := &mail.Page[mail.OutboundRecord]{
		Items: []mail.OutboundRecord{},
		Total: total,
		Page:  pagination.Page,
		Size:  pagination.Size,
	}

	if total == 0 {
		return page, nil
	}

	listQuery := fmt.Sprintf(
		"SELECT %s FROM %s%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		outboxColumns, outboxTable, filter, len(args)+1, len(args)+2,
	)
	args = append(args, pagination.Size, pagination.Offset())

	rows, err := db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		logSanitizedError(s.options.logger, ctx, "failed to page outbox records", err)
		return nil, fmt.Errorf("querying outbox records: %w", err)
	}

	defer rows.Close()

	for rows.Next() {
		record, scanErr := scanOutboundRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		page.Items = append(page.Items, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}

	return page, nil
}

const outboxConditionalUpdateQuery = "UPDATE " + outboxTable + " SET " +
	"transaction_id = $1, next_retry_at = $2, retries = $3, status = $4, remark = $5, " +
	"updated_at = $6, delivered_at = $7 WHERE id = $8 AND status = $9"

func outboxConditionalUpdateArgs(record *mail.OutboundRecord, expected mail.Status) []any {
	return []any{
		record.TransactionID,
		record.NextRetryAt,
		record.Retries,
		string(record.Status),
		record.Remark,
		record.UpdatedAt,
		nullableTime(record.DeliveredAt),
		record.ID,
		string(expected),
	}
}

func scanOutboundRecord(scanner interface{ Scan(dest ...any) error }) (*mail.OutboundRecord, error) {
	var (
		record      mail.OutboundRecord
		status      string
		remark      sql.NullString
		deliveredAt sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.MailID,
		&record.TransactionID,
		&record.Channel,
		&record.Title,
		&record.Service,
		&record.Recipients,
		&record.Content,
		&record.PostTime,
		&record.NextRetryAt,
		&record.Retries,
		&status,
		&remark,
		&record.CreatedAt,
		&record.UpdatedAt,
		&deliveredAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	record.Status = mail.Status(status)

	if remark.Valid {
		record.Remark = remark.String
	}

	if deliveredAt.Valid {
		t := deliveredAt.Time
		record.DeliveredAt = &t
	}

	return &record, nil
}

var _ mail.OutboxStore = (*OutboxStore)(nil)
