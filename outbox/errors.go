package outbox

import "errors"

var (
	ErrStoreRequired       = errors.New("outbox store is required")
	ErrPublisherRequired   = errors.New("transactional publisher is required")
	ErrCoordinatorRequired = errors.New("transaction coordinator is required")
	ErrDispatcherRequired  = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning   = errors.New("outbox dispatcher already running")
)
