// Package obslog configures the process-wide structured logger and hands
// out category sub-loggers to the other components, per spec §4.7:
// leveled, categorised records with millisecond-precision timestamps.
package obslog

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Category names used across the gateway. New categories are added here,
// not by registering ad-hoc string literals at call sites.
const (
	CategoryHTTP   = "HTTP"
	CategoryProxy  = "PROXY"
	CategoryWS     = "WS"
	CategoryServer = "SERVER"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
}

// New builds the root logger from a LOG_LEVEL string (error|info|debug,
// default info). Unknown values fall back to info rather than failing
// startup over a typo'd environment variable.
func New(levelEnv string) zerolog.Logger {
	level := parseLevel(levelEnv)

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	if !isTerminal() {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return zerolog.ErrorLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// isTerminal is a narrow, dependency-free check: good enough to prefer the
// console writer when stderr looks like a TTY-backed file descriptor.
func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// For returns a sub-logger tagged with the given category.
func For(base zerolog.Logger, category string) zerolog.Logger {
	return base.With().Str("category", category).Logger()
}
