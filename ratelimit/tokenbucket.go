package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mailgate-io/mailgate/backoff"
	"github.com/mailgate-io/mailgate/log"
	"github.com/mailgate-io/mailgate/mail"
	"github.com/mailgate-io/mailgate/redis"
)

const (
	// DefaultRefillInterval is how often the bucket resets to its rate.
	DefaultRefillInterval = time.Second
	// DefaultSpinAttempts bounds how many times an empty bucket is re-polled
	// before the limiter fails open.
	DefaultSpinAttempts = 10
	// DefaultSpinInterval is the sleep between re-polls of an empty bucket.
	DefaultSpinInterval = 100 * time.Millisecond

	ownerKeySuffix = ":owner"
)

var (
	// ErrBucketKeyRequired is returned when the bucket key is blank.
	ErrBucketKeyRequired = errors.New("token bucket key is required")
	// ErrRateInvalid is returned when the configured rate is not positive.
	ErrRateInvalid = errors.New("token bucket rate must be positive")
	// ErrConnectionRequired is returned when no redis connection is given.
	ErrConnectionRequired = errors.New("redis connection is required")
)

// TokenBucketConfig configures the distributed token bucket.
type TokenBucketConfig struct {
	// Key is the shared counter key; the advisory owner key derives from it.
	Key string
	// Rate is the number of admissions per refill interval.
	Rate int64
	// RefillInterval is the window the rate applies to.
	RefillInterval time.Duration
	// OwnerTTL is the advisory ownership lease. Expired leases let another
	// process take over refilling.
	OwnerTTL time.Duration
	// SpinAttempts bounds the empty-bucket wait before failing open.
	SpinAttempts int
	// SpinInterval is the sleep between empty-bucket re-polls.
	SpinInterval time.Duration
}

// DefaultTokenBucketConfig returns the config for key admitting rate sends
// per second.
func DefaultTokenBucketConfig(key string, rate int64) TokenBucketConfig {
	return TokenBucketConfig{
		Key:            key,
		Rate:           rate,
		RefillInterval: DefaultRefillInterval,
		OwnerTTL:       3 * DefaultRefillInterval,
		SpinAttempts:   DefaultSpinAttempts,
		SpinInterval:   DefaultSpinInterval,
	}
}

func (cfg *TokenBucketConfig) normalize() {
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = DefaultRefillInterval
	}

	if cfg.OwnerTTL <= 0 {
		cfg.OwnerTTL = 3 * cfg.RefillInterval
	}

	if cfg.SpinAttempts <= 0 {
		cfg.SpinAttempts = DefaultSpinAttempts
	}

	if cfg.SpinInterval <= 0 {
		cfg.SpinInterval = DefaultSpinInterval
	}
}

// TokenBucket is a distributed token bucket over a shared redis counter.
// Every admission decrements the counter; whichever process holds the
// advisory owner lease resets the counter to the rate once per interval.
// Ownership is advisory only: duplicate or missing refillers during
// leadership churn affect throughput shaping, never correctness.
type TokenBucket struct {
	conn   *redis.Connection
	cfg    TokenBucketConfig
	owner  string
	logger log.Logger
	clock  mail.Clock

	mu         sync.Mutex
	lastRefill time.Time
}

// TokenBucketOption configures a TokenBucket.
type TokenBucketOption func(*TokenBucket)

// WithBucketLogger sets a structured logger for the bucket.
func WithBucketLogger(logger log.Logger) TokenBucketOption {
	return func(b *TokenBucket) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBucketClock overrides the bucket clock. Used in tests.
func WithBucketClock(clock mail.Clock) TokenBucketOption {
	return func(b *TokenBucket) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// NewTokenBucket creates a TokenBucket over conn.
func NewTokenBucket(conn *redis.Connection, cfg TokenBucketConfig, opts ...TokenBucketOption) (*TokenBucket, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	if strings.TrimSpace(cfg.Key) == "" {
		return nil, ErrBucketKeyRequired
	}

	if cfg.Rate <= 0 {
		return nil, ErrRateInvalid
	}

	cfg.normalize()

	b := &TokenBucket{
		conn:   conn,
		cfg:    cfg,
		owner:  uuid.NewString(),
		logger: log.NewNop(),
		clock:  mail.SystemClock{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b, nil
}

// Acquire takes one token, spin-waiting on an empty bucket up to the
// configured attempt budget. Exhaustion and redis failures both admit the
// send; only context cancellation returns an error.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 0; attempt <= b.cfg.SpinAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithContext(ctx, b.cfg.SpinInterval); err != nil {
				return err
			}
		}

		client, err := b.conn.GetClient(ctx)
		if err != nil {
			b.logger.Log(ctx, log.LevelWarn, "rate limiter unavailable, admitting send", log.Err(err))
			return nil
		}

		remaining, err := client.Decr(ctx, b.cfg.Key).Result()
		if err != nil {
			b.logger.Log(ctx, log.LevelWarn, "rate limiter decrement failed, admitting send", log.Err(err))
			return nil
		}

		if remaining >= 0 {
			return nil
		}

		b.refillIfOwner(ctx, client)
	}

	b.logger.Log(ctx, log.LevelDebug, "rate limiter wait exhausted, admitting send",
		log.String("key", b.cfg.Key),
		log.Int("attempts", b.cfg.SpinAttempts))

	return nil
}

// refillIfOwner resets the bucket to the configured rate when this process
// holds (or just took) the advisory owner lease and the refill interval has
// elapsed. Losing the lease simply stops refilling here.
func (b *TokenBucket) refillIfOwner(ctx context.Context, client goredis.UniversalClient) {
	ownerKey := b.cfg.Key + ownerKeySuffix

	took, err := client.SetNX(ctx, ownerKey, b.owner, b.cfg.OwnerTTL).Result()
	if err != nil {
		return
	}

	if !took {
		current, err := client.Get(ctx, ownerKey).Result()
		if err != nil || current != b.owner {
			return
		}

		client.Expire(ctx, ownerKey, b.cfg.OwnerTTL)
	}

	b.mu.Lock()

	now := b.clock.Now()
	if now.Sub(b.lastRefill) < b.cfg.RefillInterval {
		b.mu.Unlock()
		return
	}

	b.lastRefill = now
	b.mu.Unlock()

	if err := client.Set(ctx, b.cfg.Key, b.cfg.Rate, 0).Err(); err != nil {
		b.logger.Log(ctx, log.LevelWarn, "rate limiter refill failed", log.Err(err))
	}
}

var _ Limiter = (*TokenBucket)(nil)
