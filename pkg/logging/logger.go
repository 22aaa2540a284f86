// Package logging configures zerolog for the backup tool.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables console output instead of JSON lines.
	Pretty bool

	// Output defaults to os.Stderr. Stdout stays free for the export summary.
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))
	zerolog.DurationFieldUnit = time.Millisecond

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForRun tags every global log line with the backup run id and shop.
func ForRun(runID, shop string) zerolog.Logger {
	log.Logger = log.With().Str("run_id", runID).Str("shop", shop).Logger()
	return log.Logger
}

// Log Level Guidelines:
//
// Debug: request flow
//   - Admin API calls (kind, method, path)
//   - rate limit waits
//   - individual page fetches and poll iterations
//
// Info: progress
//   - bulk operation submitted and status transitions
//   - completed exports and files written
//   - call limit bucket nearly full
//
// Warn: degraded but continuing
//   - retries (attempt, delay, error_class)
//   - exhausted retries
//   - polling timeouts and failed cancels
//
// Error: a resource could not be backed up
//
// Context Fields:
//   - run_id, shop: set once per process by ForRun
//   - resource: resource being exported (orders, products, ...)
//   - job_id, status: bulk operation id and wire status
//   - attempt, delay, error_class: retry bookkeeping
//   - page, items: pagination progress
