package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures and returns the root logger. Output is JSON in
// production and console-formatted otherwise; the level comes from
// LOG_LEVEL (default info). Components derive sub-loggers with
// With().Str("component", ...) from the returned instance.
func Setup() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	log := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Logger()

	if os.Getenv("APP_ENV") != "production" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return log
}
