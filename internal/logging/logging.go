// Package logging builds the process's structured logger. Grounded on
// the teacher's internal/shared/monitoring/logger.go NewLogger builder:
// same Level/Format config shape, same Loki-friendly JSON-by-default
// output, same Caller/Timestamp wiring, re-tagged from "ws-server" to
// this service's own name.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the teacher's LogLevel enum.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format mirrors the teacher's LogFormat enum.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures the process logger.
type Config struct {
	Level   Level
	Format  Format
	Service string
}

// New builds a zerolog.Logger per cfg, JSON to stdout by default,
// switching to a human-readable console writer when Format is pretty
// (local development only — production always wants JSON for Loki/ELK
// ingestion, matching the teacher's own doc comment on NewLogger).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "crypto-collector"
	}

	return zerolog.New(output).With().Timestamp().Caller().Str("service", service).Logger()
}

// RecoverPanic is the defer-first panic guard every connection-runner
// goroutine installs, matching the teacher's
// monitoring.RecoverPanic: log the panic with a stack trace and let the
// goroutine's own teardown path run (reconnect, requeue) instead of
// crashing the process.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
