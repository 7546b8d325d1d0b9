// Package outbox implements the producer side of the gateway: validated
// enqueue into the outbox table, a polling dispatcher that drives due records
// through the broker's transactional publish, and the coordinator answering
// the broker's transaction-resolution callbacks.
package outbox
