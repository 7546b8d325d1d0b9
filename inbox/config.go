package inbox

import "time"

const (
	defaultWorkers       = 2
	defaultPollInterval  = 2 * time.Second
	defaultInitialDelay  = 1 * time.Second
	defaultDrainLimit    = 100
	defaultStaleClaimAge = 5 * time.Minute
)

// DispatcherConfig controls the retry sweep's polling behavior. The delivery
// retry ladder lives on the Deliverer, which serves both the ingest path and
// the sweep.
type DispatcherConfig struct {
	// Workers is the fixed number of polling workers.
	Workers int
	// PollInterval is the sleep between drain cycles per worker.
	PollInterval time.Duration
	// InitialDelay postpones the first drain after startup.
	InitialDelay time.Duration
	// DrainLimit caps how many records one worker processes per tick.
	DrainLimit int
	// StaleClaimAge is how long a record may sit in SENDING before the
	// sweep assumes its claimer died mid-delivery (or the outcome write
	// failed) and reclaims it. Delivery is at-least-once; a reclaim racing
	// a slow postman can duplicate, never lose.
	StaleClaimAge time.Duration
}

// DefaultDispatcherConfig returns the baseline sweep configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       defaultWorkers,
		PollInterval:  defaultPollInterval,
		InitialDelay:  defaultInitialDelay,
		DrainLimit:    defaultDrainLimit,
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

	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = defaults.StaleClaimAge
	}
}
