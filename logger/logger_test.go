package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoggerNeverNil(t *testing.T) {
	// Package init installs a no-op logger, so use before Initialize is safe.
	require.NotNil(t, Logger)
	assert.NotPanics(t, func() {
		Logger.Debugw("message before Initialize", "key", "value")
	})
}

func TestInitialize(t *testing.T) {
	t.Run("json output", func(t *testing.T) {
		err := Initialize(true, "info")
		require.NoError(t, err)
		require.NotNil(t, Logger)
		assert.True(t, JSONOutput)
	})

	t.Run("console output", func(t *testing.T) {
		err := Initialize(false, "debug")
		require.NoError(t, err)
		require.NotNil(t, Logger)
		assert.False(t, JSONOutput)
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zap.AtomicLevel
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"info", zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"WARN", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"warning", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"error", zap.NewAtomicLevelAt(zap.ErrorLevel)},
		{"", zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"bogus", zap.NewAtomicLevelAt(zap.InfoLevel)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want.Level(), ParseLevel(tt.in), "input %q", tt.in)
	}
}
