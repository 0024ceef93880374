// Package logging wires up the structured logger used across every
// component, replacing the teacher's bare log.Logger with zerolog, the
// way adred-codev-ws_poc's sibling ws/internal/shared/monitoring/logger.go
// (also duplicated under old_ws/) builds a level/format-configured
// zerolog.Logger.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger from a level string ("debug", "info",
// "warn", "error") and a format ("json" or "console").
func New(level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writer = os.Stdout
	var logger zerolog.Logger
	if format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer}).Level(lvl).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
	}
	return logger
}
