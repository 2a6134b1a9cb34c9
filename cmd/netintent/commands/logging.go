package commands

import (
	"io"

	"github.com/netintent/netintent/pkg/telemetry"
	"github.com/rs/zerolog"
)

// ConsoleLogger builds the human-readable CLI logger at the named level.
// serve logs through the configured telemetry logger instead.
func ConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).
		With().Timestamp().Logger().
		Level(telemetry.ParseLevel(level))
}
