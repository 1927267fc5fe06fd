package gaio

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the package-level structured logger. Components attach fields
// (uuid, fd, worker) via With() rather than formatting messages by hand.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogLevel adjusts the global verbosity, e.g. zerolog.DebugLevel during
// development or zerolog.WarnLevel in production workers.
func SetLogLevel(level zerolog.Level) {
	Logger = Logger.Level(level)
}

func connLogger(id UUID) zerolog.Logger {
	return Logger.With().Int64("uuid", int64(id)).Int("fd", id.FD()).Logger()
}
