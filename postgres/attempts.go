package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mailgate-io/mailgate/mail"
)

const attemptColumns = "id, record_id, direction, delivered_at, status, retries, remark, created_at"

// AttemptLog reads the append-only delivery attempt audit trail. Writes go
// through the outbox and inbox stores only.
type AttemptLog struct {
	conn    *Connection
	options storeOptions
}

// NewAttemptLog creates a postgres-backed attempt reader.
func NewAttemptLog(conn *Connection, opts ...Option) (*AttemptLog, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	options, _, err := newStoreOptions(opts)
	if err != nil {
		return nil, err
	}

	return &AttemptLog{conn: conn, options: options}, nil
}

// PageQueryAttempts returns one page of delivery attempts, newest first.
func (a *AttemptLog) PageQueryAttempts(ctx context.Context, query mail.AttemptQuery) (*mail.Page[mail.DeliveryAttempt], error) {
	db, err := a.conn.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	pagination := query.Pagination.Normalize()
	filter, args := attemptFilter(query)

	var total int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+attemptTable+filter, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting delivery attempts: %w", err)
	}

	page := &mail.Page[mail.DeliveryAttempt]{
		Items: []mail.DeliveryAttempt{},
		Total: total,
		Page:  pagination.Page,
		Size:  pagination.Size,
	}

	if total == 0 {
		return page, nil
	}

	listQuery := fmt.Sprintf(
		"SELECT %s FROM %s%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		attemptColumns, attemptTable, filter, len(args)+1, len(args)+2,
	)
	args = append(args, pagination.Size, pagination.Offset())

	rows, err := db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		logSanitizedError(a.options.logger, ctx, "failed to page delivery attempts", err)
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}

	defer rows.Close()

	for rows.Next() {
		var (
			attempt   mail.DeliveryAttempt
			direction string
			status    string
			remark    sql.NullString
		)

		if err := rows.Scan(
			&attempt.ID,
			&attempt.RecordID,
			&direction,
			&attempt.DeliveredAt,
			&status,
			&attempt.Retries,
			&remark,
			&attempt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}

		attempt.Direction = mail.Direction(direction)
		attempt.Status = mail.Status(status)

		if remark.Valid {
			attempt.Remark = remark.String
		}

		page.Items = append(page.Items, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempt rows: %w", err)
	}

	return page, nil
}

var _ mail.AttemptStore = (*AttemptLog)(nil)
