// Package logger holds the process-wide zap logger.
package logger

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	cfg := zap.Config{
		Level:             level,
		Encoding:          "console",
		EncoderConfig:     zap.NewDevelopmentEncoderConfig(),
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.Sugar()
}

// L returns the global logger.
func L() *zap.SugaredLogger {
	return logger
}

// Named returns a child logger tagged with name.
func Named(name string) *zap.SugaredLogger {
	return logger.Named(name)
}

// SetLogLevel changes the level of every logger derived from L.
func SetLogLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Level returns the current level.
func Level() zapcore.Level {
	return level.Level()
}

// Close flushes buffered entries.
func Close() {
	if err := logger.Sync(); err != nil {
		// stderr cannot be synced on some platforms
		logger.Debug(errors.WithMessage(err, "failed to sync logger"))
	}
}
