// Package rabbitmq implements the broker capability over AMQP 0-9-1.
//
// Transactional publish is mapped onto AMQP with a staging exchange: the
// half-message lands on a staging queue first, and an outcome resolver
// promotes it to the destination exchange once the local transaction commits.
package rabbitmq
