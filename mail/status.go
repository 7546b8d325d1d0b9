package mail

import "fmt"

// Status represents a mailbox record lifecycle state.
type Status string

const (
	// StatusPending indicates the record has never been claimed.
	StatusPending Status = "PENDING"
	// StatusSending indicates a dispatcher holds the record.
	StatusSending Status = "SENDING"
	// StatusSent is the terminal success state.
	StatusSent Status = "SENT"
	// StatusRetrying indicates a failed attempt with retries remaining.
	StatusRetrying Status = "RETRYING"
	// StatusFail is the terminal exhaustion state.
	StatusFail Status = "FAIL"
)

// Statuses lists every valid status in display order.
func Statuses() []Status {
	return []Status{StatusPending, StatusSending, StatusSent, StatusRetrying, StatusFail}
}

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the mailbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusSending, StatusSent, StatusRetrying, StatusFail:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the record's lifecycle.
func (status Status) IsTerminal() bool {
	return status == StatusSent || status == StatusFail
}

// Claimable reports whether a dispatcher may claim a record in this status.
// PENDING and RETRYING are equivalent "due for dispatch" states distinguished
// only by whether an attempt has already failed.
func (status Status) Claimable() bool {
	return status == StatusPending || status == StatusRetrying
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending, StatusRetrying:
		return next == StatusSending
	case StatusSending:
		return next == StatusSent || next == StatusRetrying || next == StatusFail
	case StatusSent:
		return false
	case StatusFail:
		// Only the explicit resend operation leaves FAIL.
		return next == StatusPending
	default:
		return false
	}
}

// ValidateTransition validates a raw status transition against the lifecycle.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
