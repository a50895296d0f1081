package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Components receive it through their
// Dependencies struct and never log through a package global.
func New(level string, pretty bool) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && parsed != zerolog.NoLevel {
		lvl = parsed
	}

	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", "relay").
		Logger()
}

// Discard returns a logger that drops everything, for tests and defaulted
// dependencies.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}
