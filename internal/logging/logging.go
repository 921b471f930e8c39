// Package logging builds the proxy's structured logger, the same shape as
// the teacher's internal/single/monitoring.NewLogger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the zerolog output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatText   Format = "text"
	FormatPretty Format = "pretty"
)

// New builds a zerolog.Logger configured for the requested level/format,
// tagged with a fixed service name the way the teacher tags "ws-server".
// Only FormatPretty switches to the console writer; FormatText and
// FormatJSON both emit JSON lines.
func New(level string, format string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if Format(format) == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(parseLevel(level))

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "broker-condense-proxy").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
