package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Dev gets a human console writer, everything
// else structured JSON.
func New(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if env == "dev" {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		return zerolog.New(out).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
