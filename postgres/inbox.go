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

const inboxColumns = "id, mail_id, channel, title, service, recipients, content, " +
	"post_time, next_retry_at, retries, status, remark, created_at, updated_at, delivered_at"

// InboxStore persists consumer-side mailbox records. The (channel, mail_id)
// unique index is the idempotency guard for ingest.
type InboxStore struct {
	conn    *Connection
	node    *snowflake.Node
	options storeOptions
}

// NewInboxStore creates a postgres-backed inbox store.
func NewInboxStore(conn *Connection, opts ...Option) (*InboxStore, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	options, node, err := newStoreOptions(opts)
	if err != nil {
		return nil, err
	}

	return &InboxStore{conn: conn, node: node, options: options}, nil
}

// Save inserts a new inbox record. A second insert for the same
// (channel, mail id) fails with mail.ErrDuplicateMail.
func (s *InboxStore) Save(ctx context.Context, record *mail.InboundRecord) error {
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

	const query = "INSERT INTO " + inboxTable + " (" + inboxColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)"

	_, err = db.ExecContext(ctx, query,
		record.ID,
		record.MailID,
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
		if isUniqueViolation(err) {
			return mail.ErrDuplicateMail
		}

		logSanitizedError(s.options.logger, ctx, "failed to save inbox record", err)

		return fmt.Errorf("saving inbox record: %w", err)
	}

	return nil
}

// GetByID retrieves an inbox record by surrogate ID.
func (s *InboxStore) GetByID(ctx context.Context, id int64) (*mail.InboundRecord, error) {
	return s.getBy(ctx, "id = $1", id)
}

// GetByDedupKey returns the record for (channel, mailID), or nil when the
// message has never been ingested.
func (s *InboxStore) GetByDedupKey(ctx context.Context, channel, mailID string) (*mail.InboundRecord, error) {
	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	const query = "SELECT " + inboxColumns + " FROM " + inboxTable + " WHERE channel = $1 AND mail_id = $2"

	record, err := scanInboundRecord(db.QueryRowContext(ctx, query, channel, mailID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		logSanitizedError(s.options.logger, ctx, "failed to get inbox record by dedup key", err)

		return nil, fmt.Errorf("getting inbox record: %w", err)
	}

	return record, nil
}

func (s *InboxStore) getBy(ctx context.Context, condition string, arg any) (*mail.InboundRecord, error) {
	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + inboxColumns + " FROM " + inboxTable + " WHERE " + condition

	record, err := scanInboundRecord(db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mail.ErrRecordNotFound
		}

		logSanitizedError(s.options.logger, ctx, "failed to get inbox record", err)

		return nil, fmt.Errorf("getting inbox record: %w", err)
	}

	return record, nil
}

// ConditionalUpdate applies the record's current fields only if the stored
// row still has the expected status.
func (s *InboxStore) ConditionalUpdate(ctx context.Context, record *mail.InboundRecord, expected mail.Status) (bool, error) {
	if record == nil {
		return false, mail.ErrRecordRequired
	}

	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return false, err
	}

	record.UpdatedAt = s.options.clock.Now()

	result, err := db.ExecContext(ctx, inboxConditionalUpdateQuery, inboxConditionalUpdateArgs(record, expected)...)
	if err != nil {
		logSanitizedError(s.options.logger, ctx, "failed to update inbox record", err)
		return false, fmt.Errorf("updating inbox record: %w", err)
	}

	rows, err := rowsAffected(result)
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// UpdateWithAttempt is ConditionalUpdate plus an attempt-log insert in one
// transaction.
func (s *InboxStore) UpdateWithAttempt(
	ctx context.Context,
	record *mail.InboundRecord,
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
		result, execErr := tx.ExecContext(ctx, inboxConditionalUpdateQuery, inboxConditionalUpdateArgs(record, expected)...)
		if execErr != nil {
			return fmt.Errorf("updating inbox record: %w", execErr)
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
		logSanitizedError(s.options.logger, ctx, "failed to update inbox record with attempt", err)
		return false, err
	}

	return updated, nil
}

// FindOneDue returns the oldest-due record in the given status, or nil when
// none is due.
func (s *InboxStore) FindOneDue(ctx context.Context, status mail.Status, now time.Time) (*mail.InboundRecord, error) {
	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	const query = "SELECT " + inboxColumns + " FROM " + inboxTable +
		" WHERE status = $1 AND next_retry_at <= $2 ORDER BY next_retry_at ASC LIMIT 1"

	record, err := scanInboundRecord(db.QueryRowContext(ctx, query, string(status), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		logSanitizedError(s.options.logger, ctx, "failed to find due inbox record", err)

		return nil, fmt.Errorf("finding due inbox record: %w", err)
	}

	return record, nil
}

// PageQuery returns one page of inbox records matching the filter, newest
// first.
func (s *InboxStore) PageQuery(ctx context.Context, query mail.RecordQuery) (*mail.Page[mail.InboundRecord], error) {
	db, err := s.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	pagination := query.Pagination.Normalize()
	filter, args := recordFilter(query)

	var total int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+inboxTable+filter, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting inbox records: %w", err)
	}

	page := &mail.Page[mail.InboundRecord]{
		Items: []mail.InboundRecord{},
		Total: total,
		Page:  pagination.Page,
		Size:  pagination.Size,
	}

	if total == 0 {
		return page, nil
	}

	listQuery := fmt.Sprintf(
		"SELECT %s FROM %s%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		inboxColumns, inboxTable, filter, len(args)+1, len(args)+2,
	)
	args = append(args, pagination.Size, pagination.Offset())

	rows, err := db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		logSanitizedError(s.options.logger, ctx, "failed to page inbox records", err)
		return nil, fmt.Errorf("querying inbox records: %w", err)
	}

	defer rows.Close()

	for rows.Next() {
		record, scanErr := scanInboundRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		page.Items = append(page.Items, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating inbox rows: %w", err)
	}

	return page, nil
}

const inboxConditionalUpdateQuery = "UPDATE " + inboxTable + " SET " +
	"next_retry_at = $1, retries = $2, status = $3, remark = $4, " +
	"updated_at = $5, delivered_at = $6 WHERE id = $7 AND status = $8"

func inboxConditionalUpdateArgs(record *mail.InboundRecord, expected mail.Status) []any {
	return []any{
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

func scanInboundRecord(scanner interface{ Scan(dest ...any) error }) (*mail.InboundRecord, error) {
	var (
		record      mail.InboundRecord
		status      string
		remark      sql.NullString
		deliveredAt sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.MailID,
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

		return nil, fmt.Errorf("scanning inbox record: %w", err)
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

var _ mail.InboxStore = (*InboxStore)(nil)
