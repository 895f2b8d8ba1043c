// Package logging builds the process-wide zap logger.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level maps the -v count to a zap level: warn by default, info at 1,
// debug from 2 on.
func Level(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.WarnLevel
	case verbosity == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// New returns a console logger writing to w (stderr when nil).
func New(verbosity int, w io.Writer) *zap.Logger {
	if w == nil {
		w = os.Stderr
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		zap.NewAtomicLevelAt(Level(verbosity)),
	)

	return zap.New(core, zap.AddCaller()).Named("exec-logger")
}
