package log

import (
	"os"

	"github.com/rs/zerolog"
)

var (
	// L is the shared logger (use log.L.Info().Msg("hi"))
	L zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	L = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// SetLevel sets the minimum level for every logger derived from L.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// With returns a child logger tagged with the given component name.
func With(component string) zerolog.Logger {
	return L.With().Str("component", component).Logger()
}

// Debug starts a debug-level message on L.
func Debug() *zerolog.Event { return L.Debug() }

// Info starts an info-level message on L.
func Info() *zerolog.Event { return L.Info() }

// Warn starts a warn-level message on L.
func Warn() *zerolog.Event { return L.Warn() }

// Error starts an error-level message on L.
func Error() *zerolog.Event { return L.Error() }
