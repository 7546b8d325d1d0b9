package ratelimit

import "context"

// Limiter gates outbound sends. Acquire blocks until a token is available,
// the bounded wait is exhausted (the limiter fails open), or the context is
// canceled. The only error a Limiter may return is the context's.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// NopLimiter admits everything. The default when no rate shaping is
// configured.
type NopLimiter struct{}

// Acquire admits immediately.
func (NopLimiter) Acquire(ctx context.Context) error {
	if ctx != nil {
		return ctx.Err()
	}

	return nil
}

var _ Limiter = NopLimiter{}
