package inbox

import "errors"

var (
	// ErrStoreRequired is returned when no inbox store is given.
	ErrStoreRequired = errors.New("inbox store is required")
	// ErrRegistryRequired is returned when no postman registry is given.
	ErrRegistryRequired = errors.New("postman registry is required")
	// ErrDelivererRequired is returned when no deliverer is given.
	ErrDelivererRequired = errors.New("deliverer is required")
	// ErrDispatcherRequired is returned when a method is called on a nil
	// dispatcher.
	ErrDispatcherRequired = errors.New("inbox dispatcher is required")
	// ErrDispatcherRunning is returned when Run is called twice.
	ErrDispatcherRunning = errors.New("inbox dispatcher is already running")
)
