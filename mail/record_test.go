//go:build unit

package mail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() Clock {
	return ClockFunc(func() time.Time { return testNow })
}

func TestNewOutbound(t *testing.T) {
	t.Parallel()

	t.Run("builds a pending record due now", func(t *testing.T) {
		t.Parallel()

		record, err := NewOutbound(Envelope{
			MailID:     "m1",
			Channel:    "sms",
			Title:      "welcome",
			Service:    "accounts",
			Recipients: "notify:user",
			Content:    []byte("hello"),
		}, fixedClock())
		require.NoError(t, err)

		assert.Equal(t, StatusPending, record.Status)
		assert.Equal(t, 0, record.Retries)
		assert.Equal(t, testNow, record.NextRetryAt)
		assert.Equal(t, testNow, record.PostTime)
		assert.Equal(t, "m1", record.MailID)
		assert.Empty(t, record.TransactionID)
	})

	t.Run("generates mail id when blank", func(t *testing.T) {
		t.Parallel()

		record, err := NewOutbound(Envelope{Channel: "sms", Content: []byte("hi")}, fixedClock())
		require.NoError(t, err)
		assert.NotEmpty(t, record.MailID)
	})

	t.Run("rejects missing channel", func(t *testing.T) {
		t.Parallel()

		_, err := NewOutbound(Envelope{Content: []byte("hi")}, fixedClock())
		assert.ErrorIs(t, err, ErrChannelRequired)
	})

	t.Run("rejects empty content", func(t *testing.T) {
		t.Parallel()

		_, err := NewOutbound(Envelope{Channel: "sms", Content: []byte("  ")}, fixedClock())
		assert.ErrorIs(t, err, ErrContentRequired)
	})
}

func TestOutboundRecord_EnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	record, err := NewOutbound(Envelope{
		MailID:     "m2",
		Channel:    "email",
		Title:      "t",
		Service:    "s",
		Recipients: "r",
		Content:    []byte("payload"),
	}, fixedClock())
	require.NoError(t, err)

	envelope := record.Envelope()
	assert.Equal(t, "m2", envelope.MailID)
	assert.Equal(t, "email", envelope.Channel)
	assert.Equal(t, []byte("payload"), envelope.Content)
	assert.Equal(t, testNow, envelope.PostTime)
}

func TestNewInbound(t *testing.T) {
	t.Parallel()

	t.Run("starts in sending for immediate delivery", func(t *testing.T) {
		t.Parallel()

		record, err := NewInbound(Envelope{
			MailID:   "m3",
			Channel:  "sms",
			Content:  []byte("hello"),
			PostTime: testNow.Add(-time.Minute),
		}, fixedClock())
		require.NoError(t, err)

		assert.Equal(t, StatusSending, record.Status)
		assert.Equal(t, 0, record.Retries)
		assert.Equal(t, testNow, record.NextRetryAt)
		assert.Equal(t, testNow.Add(-time.Minute), record.PostTime)
	})

	t.Run("zero post time falls back to now", func(t *testing.T) {
		t.Parallel()

		record, err := NewInbound(Envelope{MailID: "m4", Channel: "sms", Content: []byte("x")}, fixedClock())
		require.NoError(t, err)
		assert.Equal(t, testNow, record.PostTime)
	})
}

func TestEnvelopeHeaders(t *testing.T) {
	t.Parallel()

	envelope := Envelope{
		MailID:     "m5",
		Title:      "title",
		Service:    "svc",
		Recipients: "dest",
		PostTime:   testNow,
	}

	headers := envelope.Headers()
	assert.Equal(t, "m5", headers[HeaderMailID])
	assert.Equal(t, "1748779200000", headers[HeaderPostTime])
}

func TestEnvelopeFromHeaders(t *testing.T) {
	t.Parallel()

	t.Run("parses all metadata", func(t *testing.T) {
		t.Parallel()

		envelope := EnvelopeFromHeaders("sms", []byte("hi"), map[string]string{
			HeaderMailID:   "m6",
			HeaderTitle:    "t",
			HeaderService:  "s",
			HeaderPostTime: "1748779200000",
		}, fixedClock())

		assert.Equal(t, "m6", envelope.MailID)
		assert.Equal(t, testNow, envelope.PostTime)
	})

	t.Run("tolerates missing headers", func(t *testing.T) {
		t.Parallel()

		envelope := EnvelopeFromHeaders("sms", []byte("hi"), map[string]string{}, fixedClock())

		assert.Empty(t, envelope.MailID)
		assert.Empty(t, envelope.Title)
		assert.Equal(t, testNow, envelope.PostTime)
	})

	t.Run("malformed post time falls back to now", func(t *testing.T) {
		t.Parallel()

		envelope := EnvelopeFromHeaders("sms", nil, map[string]string{HeaderPostTime: "yesterday"}, fixedClock())
		assert.Equal(t, testNow, envelope.PostTime)
	})
}
