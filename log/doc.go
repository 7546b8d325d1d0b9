// Package log defines the structured logging interface and typed logging
// fields used across mailgate.
//
// Adapters (such as the zap package) implement Logger so applications can keep
// logging calls consistent across backends.
package log
