// Package backoff provides exponential backoff with jitter for retry loops
// and rate limiting.
package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand"
	"time"
)

const maxShift = 62

// Exponential calculates exponential delay based on attempt number. The delay
// is base * 2^attempt with overflow protection. Negative attempts are treated
// as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// FullJitter returns a random duration in the range [0, delay). Uses
// crypto/rand, falling back to a seeded math/rand PRNG when the entropy
// source fails. Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(cryptoFallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// fallbackDivisor is used when crypto/rand fails completely.
const fallbackDivisor = 2

// cryptoFallbackRand serves jitter when crypto/rand.Int fails: it seeds a
// math/rand PRNG from rand.Read, which takes a different code path and may
// still succeed; when even that fails it returns the midpoint so backoff
// never stalls.
func cryptoFallbackRand(maxValue int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return maxValue / fallbackDivisor
	}

	rng := mrand.New(
		mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))),
	) // #nosec G404 -- Fallback when crypto/rand fails

	return rng.Int63n(maxValue)
}

// ExponentialWithJitter combines exponential backoff with full jitter,
// returning a random duration in [0, base * 2^attempt). This is the "Full
// Jitter" strategy recommended by AWS.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext sleeps for the given duration but respects context
// cancellation. Returns nil if the sleep completes, or the context error if
// cancelled first. Zero or negative durations return immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
