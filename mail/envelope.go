package mail

import (
	"strconv"
	"time"
)

// Header keys carried alongside the opaque payload on every wire message.
// All values are strings; consumers must tolerate any of them being absent.
const (
	HeaderMailID     = "msgId"
	HeaderTitle      = "title"
	HeaderService    = "service"
	HeaderRecipients = "recipients"
	HeaderPostTime   = "postTime"
)

// Envelope is the wire-level view of a mail: the opaque content plus the
// string metadata attached to the broker message.
type Envelope struct {
	MailID     string
	Channel    string
	Title      string
	Service    string
	Recipients string
	PostTime   time.Time
	Content    []byte
}

// Headers renders the envelope metadata as string key/value pairs for the
// broker message. PostTime is carried as unix milliseconds.
func (e Envelope) Headers() map[string]string {
	return map[string]string{
		HeaderMailID:     e.MailID,
		HeaderTitle:      e.Title,
		HeaderService:    e.Service,
		HeaderRecipients: e.Recipients,
		HeaderPostTime:   strconv.FormatInt(e.PostTime.UnixMilli(), 10),
	}
}

// EnvelopeFromHeaders rebuilds an envelope from a received broker message.
// Missing metadata degrades to empty strings; a missing or malformed postTime
// falls back to the clock's current time.
func EnvelopeFromHeaders(channel string, content []byte, headers map[string]string, clock Clock) Envelope {
	if clock == nil {
		clock = SystemClock{}
	}

	envelope := Envelope{
		Channel:    channel,
		Content:    content,
		MailID:     headers[HeaderMailID],
		Title:      headers[HeaderTitle],
		Service:    headers[HeaderService],
		Recipients: headers[HeaderRecipients],
	}

	millis, err := strconv.ParseInt(headers[HeaderPostTime], 10, 64)
	if err != nil {
		envelope.PostTime = clock.Now()
	} else {
		envelope.PostTime = time.UnixMilli(millis).UTC()
	}

	return envelope
}
