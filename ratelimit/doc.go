// Package ratelimit provides admission control in front of outbound sends:
// a no-op limiter, a distributed token bucket over redis, and a sender
// wrapper that retries transient publish errors behind a circuit breaker.
//
// The token bucket is best-effort rate shaping, not a correctness mechanism.
// Every failure path fails open: a send is never dropped and never blocked
// indefinitely because the limiter is unavailable.
package ratelimit
