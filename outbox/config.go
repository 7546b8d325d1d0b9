package outbox

import (
	"time"

	"github.com/mailgate-io/mailgate/mail"
)

const (
	defaultWorkers       = 2
	defaultPollInterval  = 2 * time.Second
	defaultInitialDelay  = 1 * time.Second
	defaultDrainLimit    = 100
	defaultStaleClaimAge = 5 * time.Minute
)

// DispatcherConfig controls dispatcher polling and retry behavior.
type DispatcherConfig struct {
	// Workers is the fixed number of polling workers.
	Workers int
	// PollInterval is the sleep between drain cycles per worker.
	PollInterval time.Duration
	// InitialDelay postpones the first drain after startup.
	InitialDelay time.Duration
	// DrainLimit caps how many records one worker processes per tick.
	DrainLimit int
	// Ladder is the retry backoff ladder indexed by attempt count. Nil means
	// the default ladder; an explicitly empty ladder disables retries, so
	// the first failure is terminal.
	Ladder []time.Duration
	// StaleClaimAge is how long a SENDING claim may rest before a worker
	// reclaims it. Must exceed the broker's transaction-check window, or a
	// live callback can race the reclaim.
	StaleClaimAge time.Duration
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       defaultWorkers,
		PollInterval:  defaultPollInterval,
		InitialDelay:  defaultInitialDelay,
		DrainLimit:    defaultDrainLimit,
		Ladder:        mail.DefaultLadder(),
		StaleClaimAge: defaultStaleClaimAge,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}

	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = defaults.DrainLimit
	}

	if cfg.Ladder == nil {
		cfg.Ladder = defaults.Ladder
	}

	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = defaults.StaleClaimAge
	}
}
