// Package logging builds the process's zerolog.Logger, grounded in the
// teacher's internal/shared/monitoring/logger.go NewLogger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's minimum level and output format.
type Config struct {
	Level  string // "debug" | "info" | "warn" | "error"
	Format string // "json" | "text" | "pretty"
	Role   string // "root" | "worker", attached as a field on every line
}

// New creates a structured logger (Loki-compatible JSON by default, or
// a console-pretty writer for local development).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "fiopost").
		Str("role", cfg.Role).
		Logger()
}

// RecoverPanic is a defer-block helper for goroutine panic recovery:
// it logs the panic with a stack trace but does not exit, matching the
// teacher's RecoverPanic.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
