package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mailgate-io/mailgate/backoff"
	"github.com/mailgate-io/mailgate/log"
)

const (
	// DefaultMaxRetry is how many times a transient publish error is retried
	// inline before it surfaces to the caller.
	DefaultMaxRetry = 3
	// DefaultRetryBase seeds the exponential backoff between inline retries.
	DefaultRetryBase = 100 * time.Millisecond

	breakerName = "broker-publish"
)

// ErrPublishFuncRequired is returned when Send is called without a publish
// function.
var ErrPublishFuncRequired = errors.New("publish function is required")

// PublishFunc performs one publish attempt.
type PublishFunc func(ctx context.Context) error

// SenderConfig configures the rate-limited sender.
type SenderConfig struct {
	// MaxRetry bounds inline retries of transient publish errors. Zero uses
	// the default; negative disables retries.
	MaxRetry int
	// RetryBase seeds the exponential backoff between retries.
	RetryBase time.Duration
	// ConsecutiveFailures opens the circuit breaker. Zero uses the gobreaker
	// default of five.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultSenderConfig returns the default sender configuration.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxRetry:  DefaultMaxRetry,
		RetryBase: DefaultRetryBase,
	}
}

func (cfg *SenderConfig) normalize() {
	if cfg.MaxRetry == 0 {
		cfg.MaxRetry = DefaultMaxRetry
	}

	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
}

// Sender gates publishes behind a Limiter and retries transient errors up to
// MaxRetry through a circuit breaker. An open breaker short-circuits the
// retry loop so a dead broker does not hold dispatcher workers hostage.
type Sender struct {
	limiter Limiter
	breaker *gobreaker.CircuitBreaker
	cfg     SenderConfig
	logger  log.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderLogger sets a structured logger for the sender.
func WithSenderLogger(logger log.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSender creates a Sender. A nil limiter admits everything.
func NewSender(limiter Limiter, cfg SenderConfig, opts ...SenderOption) *Sender {
	if limiter == nil {
		limiter = NopLimiter{}
	}

	cfg.normalize()

	settings := gobreaker.Settings{Name: breakerName}

	if cfg.ConsecutiveFailures > 0 {
		threshold := cfg.ConsecutiveFailures
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}

	if cfg.OpenTimeout > 0 {
		settings.Timeout = cfg.OpenTimeout
	}

	s := &Sender{
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Send acquires admission and runs publish, retrying transient errors up to
// MaxRetry with exponential backoff. The last error is returned when the
// budget is spent.
func (s *Sender) Send(ctx context.Context, publish PublishFunc) error {
	if publish == nil {
		return ErrPublishFuncRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}

	var lastErr error

	for attempt := 0; attempt <= s.cfg.MaxRetry; attempt++ {
		if attempt > 0 {
			delay := backoff.ExponentialWithJitter(s.cfg.RetryBase, attempt-1)
			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return err
			}
		}

		_, err := s.breaker.Execute(func() (any, error) {
			return nil, publish(ctx)
		})
		if err == nil {
			return nil
		}

		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		s.logger.Log(ctx, log.LevelWarn, "publish attempt failed",
			log.Int("attempt", attempt+1),
			log.Err(err))
	}

	return fmt.Errorf("publish failed after retries: %w", lastErr)
}

// State reports the breaker state, for health surfaces.
func (s *Sender) State() gobreaker.State {
	return s.breaker.State()
}
