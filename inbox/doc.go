// Package inbox implements the consumer side of the gateway: idempotent
// ingest of broker-pushed mail, delivery through per-channel postmen, and a
// background sweep that re-drives retrying records when their backoff
// expires.
//
// Ingest and delivery are deliberately decoupled failure domains. An ingest
// failure is signalled back to the broker transport so its redelivery covers
// the gap; a delivery failure is recorded on the row and owned by the retry
// sweep. An outcome-write failure is only logged: the row stays in SENDING
// and the sweep reclaims it once the claim goes stale, so a flaky store can
// never trigger a broker-level redelivery storm.
package inbox
