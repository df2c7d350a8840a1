package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger on stdout tagged with component. The
// level comes from PP_LOG_LEVEL, further capped by zerolog's global level.
func NewLogger(component string) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(ParseLevel(os.Getenv("PP_LOG_LEVEL"))).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewConsoleLogger writes human-readable lines to w, for CLI tools whose
// stdout carries their own output.
func NewConsoleLogger(component string, w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewNopLogger returns a disabled logger for tests.
func NewNopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps a config string onto a zerolog level; unknown values are info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
