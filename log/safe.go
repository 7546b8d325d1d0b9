package log

import (
	"context"
	"fmt"
)

// SafeError logs an error with production-aware sanitization. When production
// is true only the error's Go type is logged, never its message.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))

		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
