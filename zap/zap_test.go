//go:build unit

package zap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	logpkg "github.com/mailgate-io/mailgate/log"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)

	return &Logger{
		logger:      zap.New(core),
		atomicLevel: zap.NewAtomicLevelAt(level),
	}, logs
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "production defaults to info",
			cfg:  Config{Environment: EnvironmentProduction},
		},
		{
			name: "local defaults to debug",
			cfg:  Config{Environment: EnvironmentLocal},
		},
		{
			name: "explicit level wins",
			cfg:  Config{Environment: EnvironmentProduction, Level: "warn"},
		},
		{
			name:    "invalid environment rejected",
			cfg:     Config{Environment: "qa"},
			wantErr: true,
		},
		{
			name:    "invalid level rejected",
			cfg:     Config{Environment: EnvironmentProduction, Level: "loud"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, _, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestLogger_LogDispatchesLevels(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.DebugLevel)

	ctx := context.Background()
	logger.Log(ctx, logpkg.LevelDebug, "d")
	logger.Log(ctx, logpkg.LevelInfo, "i")
	logger.Log(ctx, logpkg.LevelWarn, "w")
	logger.Log(ctx, logpkg.LevelError, "e")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestLogger_WithAddsFields(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.InfoLevel)

	child := logger.With(logpkg.String("channel", "sms"))
	child.Log(context.Background(), logpkg.LevelInfo, "queued")

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "sms", fields["channel"])
}

func TestLogger_Enabled(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.WarnLevel)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.True(t, logger.Enabled(logpkg.LevelWarn))
	assert.False(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestLogger_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelInfo, "dropped")
	})
}
