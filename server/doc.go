// Package server runs the operational HTTP surface: a fiber app started
// under the launcher App contract, shut down gracefully on signal or on an
// explicit trigger.
package server
