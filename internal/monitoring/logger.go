// Package monitoring provides the gateway's structured logger, Prometheus
// metrics, and host resource snapshots for the health endpoint.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects the logger output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, for aggregation
	LogFormatPretty LogFormat = "pretty" // human-readable, for local dev
)

// LoggerConfig holds logger construction parameters.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format LogFormat
}

// NewLogger creates the service logger. Components derive their own loggers
// from it with .With().Str("component", ...).
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "ollagate").
		Logger()
}
