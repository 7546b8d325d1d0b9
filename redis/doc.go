// Package redis keeps a lazily-connected go-redis client behind a small
// connection hub, mirroring the postgres and rabbitmq hubs: connect on first
// use, ping to validate, sanitize connection errors before logging.
package redis
