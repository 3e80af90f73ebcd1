// Package logger builds the bullets loggers used across auto-merge.
//
// The daemon runs unattended, so every constructor writes to an explicit
// writer (stdout by default) rather than a terminal-only sink:
//
//	log := logger.NewLogger("debug")
//	log.Debug("Fetching merge requests assigned to me")
//
//	silent := logger.NoLogger() // tests
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sgaunet/bullets"
)

// Levels accepted by NewLogger.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ParseLevel maps a textual level to a bullets level.
// Unknown values fall back to info and report ok=false.
func ParseLevel(logLevel string) (bullets.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case LevelDebug:
		return bullets.DebugLevel, true
	case LevelInfo:
		return bullets.InfoLevel, true
	case LevelWarn:
		return bullets.WarnLevel, true
	case LevelError:
		return bullets.ErrorLevel, true
	default:
		return bullets.InfoLevel, false
	}
}

// NewLogger creates a logger that writes to stdout at the specified level.
func NewLogger(logLevel string) *bullets.Logger {
	return NewLoggerTo(os.Stdout, logLevel)
}

// NewLoggerTo creates a logger writing to w at the specified level.
func NewLoggerTo(w io.Writer, logLevel string) *bullets.Logger {
	level, _ := ParseLevel(logLevel)
	logger := bullets.New(w)
	logger.SetLevel(level)
	return logger
}

// NoLogger creates a logger that suppresses all output.
func NoLogger() *bullets.Logger {
	logger := bullets.New(io.Discard)
	logger.SetLevel(bullets.FatalLevel)
	return logger
}
