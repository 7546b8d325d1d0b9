// Package runtime provides panic-safety helpers for long-lived goroutines.
//
// Every background loop in mailgate runs under SafeGo so a panic in one
// record's processing can never take down a dispatcher pool.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/mailgate-io/mailgate/log"
)

// Policy decides what happens after a recovered panic.
type Policy int

const (
	// KeepRunning logs the panic and lets the surrounding goroutine exit
	// normally; callers restart the work on their own schedule.
	KeepRunning Policy = iota
	// Repanic logs the panic and then re-raises it.
	Repanic
)

// RecoverWithPolicy is meant to be deferred at the top of a goroutine. It
// recovers a panic, logs it with the component and operation names, and
// applies the given policy.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, operation string, policy Policy) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "recovered from panic",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)

	if policy == Repanic {
		panic(recovered)
	}
}

// SafeGo runs fn in a new goroutine guarded by RecoverWithPolicy.
func SafeGo(ctx context.Context, logger log.Logger, component, operation string, policy Policy, fn func(context.Context)) {
	go func() {
		defer RecoverWithPolicy(ctx, logger, component, operation, policy)

		fn(ctx)
	}()
}
