//go:build unit

package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate-io/mailgate/mail"
)

func TestRecordFilter(t *testing.T) {
	t.Parallel()

	t.Run("empty query produces no clause", func(t *testing.T) {
		t.Parallel()

		clause, args := recordFilter(mail.RecordQuery{})
		assert.Empty(t, clause)
		assert.Empty(t, args)
	})

	t.Run("single filter", func(t *testing.T) {
		t.Parallel()

		clause, args := recordFilter(mail.RecordQuery{Channel: "sms"})
		assert.Equal(t, " WHERE channel = $1", clause)
		assert.Equal(t, []any{"sms"}, args)
	})

	t.Run("placeholders stay in sync with args", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		end := start.Add(24 * time.Hour)

		clause, args := recordFilter(mail.RecordQuery{
			MailID:    "m1",
			Channel:   "sms",
			Service:   "accounts",
			Status:    mail.StatusFail,
			StartTime: start,
			EndTime:   end,
		})

		assert.Equal(t,
			" WHERE mail_id = $1 AND channel = $2 AND service = $3 AND status = $4 AND created_at >= $5 AND created_at < $6",
			clause)
		require.Len(t, args, 6)
		assert.Equal(t, "FAIL", args[3])
	})
}

func TestAttemptFilter(t *testing.T) {
	t.Parallel()

	clause, args := attemptFilter(mail.AttemptQuery{
		RecordID:  42,
		Direction: mail.DirectionOutbound,
		Status:    mail.StatusSent,
	})

	assert.Equal(t, " WHERE record_id = $1 AND direction = $2 AND status = $3", clause)
	assert.Equal(t, []any{int64(42), "OUTBOUND", "SENT"}, args)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain error")))
	assert.False(t, isUniqueViolation(nil))
}

func TestSanitizeSensitiveError(t *testing.T) {
	t.Parallel()

	err := errors.New("dial postgres://user:secret@db:5432/mail failed password=hunter2")
	got := sanitizeSensitiveError(err)

	assert.NotContains(t, got, "secret")
	assert.NotContains(t, got, "hunter2")
	assert.Contains(t, got, "://***@")
}

func TestSanitizePath(t *testing.T) {
	t.Parallel()

	_, err := sanitizePath("../outside/migrations")
	require.Error(t, err)

	path, err := sanitizePath("migrations")
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestValidateDBName(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateDBName("mailgate"))
	require.NoError(t, validateDBName("mail_gate_01"))

	for _, invalid := range []string{"", "1db", "mail-gate", "db name", `db";DROP`} {
		assert.Error(t, validateDBName(invalid), invalid)
	}
}

func TestNewStoreOptions(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		options, node, err := newStoreOptions(nil)
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Equal(t, defaultTransactionTimeout, options.transactionTimeout)
		assert.NotZero(t, node.Generate().Int64())
	})

	t.Run("rejects out of range snowflake node", func(t *testing.T) {
		t.Parallel()

		_, _, err := newStoreOptions([]Option{WithSnowflakeNode(1 << 20)})
		require.Error(t, err)
	})

	t.Run("options apply", func(t *testing.T) {
		t.Parallel()

		options, _, err := newStoreOptions([]Option{
			WithTransactionTimeout(5 * time.Second),
			WithSnowflakeNode(7),
		})
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, options.transactionTimeout)
		assert.Equal(t, int64(7), options.snowflakeNode)
	})

	t.Run("zero timeout keeps default", func(t *testing.T) {
		t.Parallel()

		options, _, err := newStoreOptions([]Option{WithTransactionTimeout(0)})
		require.NoError(t, err)
		assert.Equal(t, defaultTransactionTimeout, options.transactionTimeout)
	})
}

func TestNewStores_RequireConnection(t *testing.T) {
	t.Parallel()

	_, err := NewOutboxStore(nil)
	assert.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewInboxStore(nil)
	assert.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewAttemptLog(nil)
	assert.ErrorIs(t, err, ErrConnectionRequired)
}
