package mail

import "time"

// DefaultLadder is the default backoff ladder: short steps first, then one
// minute increments up to ten minutes, then coarse steps out to two hours.
func DefaultLadder() []time.Duration {
	return []time.Duration{
		10 * time.Second,
		30 * time.Second,
		1 * time.Minute,
		2 * time.Minute,
		3 * time.Minute,
		4 * time.Minute,
		5 * time.Minute,
		6 * time.Minute,
		7 * time.Minute,
		8 * time.Minute,
		9 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		30 * time.Minute,
		1 * time.Hour,
		2 * time.Hour,
	}
}

// RetryDecision is the outcome of applying the retry ladder to a failed
// attempt.
type RetryDecision struct {
	Status      Status
	Retries     int
	NextRetryAt time.Time
}

// NextRetry applies the ladder to a failed attempt. If the attempt index is
// still inside the ladder the decision is RETRYING with the next due time
// advanced by ladder[attempt]; otherwise the decision is FAIL. An empty
// ladder means zero retries: the first failure is terminal.
func NextRetry(attempt int, ladder []time.Duration, now time.Time) RetryDecision {
	if attempt < 0 {
		attempt = 0
	}

	if attempt < len(ladder) {
		return RetryDecision{
			Status:      StatusRetrying,
			Retries:     attempt + 1,
			NextRetryAt: now.Add(ladder[attempt]),
		}
	}

	return RetryDecision{
		Status:  StatusFail,
		Retries: attempt,
	}
}
