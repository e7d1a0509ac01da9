// Package clog is the ambient structured-logging setup, adapted from
// cuemby-warren's pkg/log: a global zerolog.Logger configured once via
// Init, with per-component child loggers for the layers that want one
// (integrity violations and mount-level events; the low-level block store
// decorators stay quiet on the hot path, keeping logging sparse in the
// leaf layers).
package clog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with component, e.g. "integrity"
// or "mount".
func Component(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithFilesystemId tags a logger with the mount's filesystem id, so logs
// from concurrent mounts in the same process (tests, mainly) are
// distinguishable.
func WithFilesystemId(logger zerolog.Logger, filesystemId string) zerolog.Logger {
	return logger.With().Str("filesystem_id", filesystemId).Logger()
}
