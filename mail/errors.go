package mail

import "errors"

var (
	ErrChannelRequired   = errors.New("mail channel is required")
	ErrContentRequired   = errors.New("mail content is required")
	ErrRecordRequired    = errors.New("mailbox record is required")
	ErrRecordNotFound    = errors.New("mailbox record not found")
	ErrStatusInvalid     = errors.New("invalid mailbox status")
	ErrTransitionInvalid = errors.New("invalid mailbox status transition")
	ErrDuplicateMail     = errors.New("mail already ingested for dedup key")
)
