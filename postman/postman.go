package postman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mailgate-io/mailgate/mail"
)

var (
	// ErrRegistryRequired is returned when a method is called on a nil
	// Registry.
	ErrRegistryRequired = errors.New("postman registry is required")
	// ErrChannelRequired is returned when a blank channel is given.
	ErrChannelRequired = errors.New("postman channel is required")
	// ErrPostmanRequired is returned when a nil Postman is registered.
	ErrPostmanRequired = errors.New("postman is required")
	// ErrChannelNotSupported is returned when a postman is registered for a
	// channel it does not support.
	ErrChannelNotSupported = errors.New("postman does not support channel")
	// ErrPostmanAlreadyRegistered is returned on duplicate registration.
	ErrPostmanAlreadyRegistered = errors.New("postman already registered for channel")
	// ErrPostmanNotRegistered is returned when no postman is registered for
	// a channel.
	ErrPostmanNotRegistered = errors.New("no postman registered for channel")
)

// Message is the destination-typed form of a mail. It is produced by
// Encapsulate and consumed by Deliver of the same Postman; the delivery loop
// never inspects it.
type Message any

// Postman hands mail to one external destination.
type Postman interface {
	// Supports reports whether this postman serves the channel.
	Supports(channel string) bool
	// Encapsulate transforms an ingested record into the destination's
	// message type.
	Encapsulate(record *mail.InboundRecord) (Message, error)
	// Deliver attempts delivery. False with a nil error is a soft failure
	// subject to retry; an error is a hard failure, retried the same way
	// after its message is sanitized into the remark.
	Deliver(ctx context.Context, message Message) (bool, error)
}

// Registry maps channel names to postmen. Population happens at startup;
// lookup at delivery time is by exact key.
type Registry struct {
	mu      sync.RWMutex
	postmen map[string]Postman
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{postmen: map[string]Postman{}}
}

// Register binds a postman to a channel. The postman must report the channel
// as supported.
func (r *Registry) Register(channel string, p Postman) error {
	if r == nil {
		return ErrRegistryRequired
	}

	normalized := strings.TrimSpace(channel)
	if normalized == "" {
		return ErrChannelRequired
	}

	if p == nil {
		return ErrPostmanRequired
	}

	if !p.Supports(normalized) {
		return fmt.Errorf("%w: %s", ErrChannelNotSupported, normalized)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.postmen == nil {
		r.postmen = map[string]Postman{}
	}

	if _, exists := r.postmen[normalized]; exists {
		return fmt.Errorf("%w: %s", ErrPostmanAlreadyRegistered, normalized)
	}

	r.postmen[normalized] = p

	return nil
}

// Resolve returns the postman bound to the channel.
func (r *Registry) Resolve(channel string) (Postman, error) {
	if r == nil {
		return nil, ErrRegistryRequired
	}

	normalized := strings.TrimSpace(channel)
	if normalized == "" {
		return nil, ErrChannelRequired
	}

	r.mu.RLock()
	p, ok := r.postmen[normalized]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPostmanNotRegistered, normalized)
	}

	return p, nil
}

// Channels lists the registered channels in sorted order.
func (r *Registry) Channels() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.postmen))
	for channel := range r.postmen {
		channels = append(channels, channel)
	}

	sort.Strings(channels)

	return channels
}
