// Package logging provides the structured logger shared by every Relay
// component. It wraps zerolog so packages log structured fields (endpoint
// hash, subject, envelope id) instead of formatted strings.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how the global logger is initialized.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// base is the process-wide root logger. Init replaces it; For derives
// component-scoped children from it.
var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// Init configures the global root logger. Call once during startup.
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
		output = os.Stderr
	}

	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// For returns a child logger tagged with the given component name, e.g.
// logging.For("relaycore") or logging.For("maildir").
func For(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
