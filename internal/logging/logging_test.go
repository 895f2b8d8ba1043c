package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, Level(-1))
	assert.Equal(t, zapcore.WarnLevel, Level(0))
	assert.Equal(t, zapcore.InfoLevel, Level(1))
	assert.Equal(t, zapcore.DebugLevel, Level(2))
	assert.Equal(t, zapcore.DebugLevel, Level(5))
}

func TestNew_FiltersByVerbosity(t *testing.T) {
	var buf bytes.Buffer
	logger := New(0, &buf)

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	logger = New(2, &buf)
	logger.Debug("debugging")
	_ = logger.Sync()
	assert.Contains(t, buf.String(), "debugging")
	assert.Contains(t, buf.String(), "exec-logger")
}
