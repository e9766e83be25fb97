// Package logger builds the zerolog loggers handed to the library's
// components.
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a timestamped logger at the given level. Format "console"
// selects human-readable output on stderr; anything else emits JSON on
// stdout. Unknown levels fall back to info.
func New(level, format string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	var lg zerolog.Logger
	if format == "console" {
		lg = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		lg = zerolog.New(os.Stdout)
	}

	return lg.With().Timestamp().Logger().Level(logLevel)
}
