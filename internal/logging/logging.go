// Package logging builds the structured loggers used across the agent.
//
// Components accept a *slog.Logger in their constructor. When none is given
// they fall back to Nop().
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLevel is the environment variable consulted for the log level when the
// configuration does not set one.
const EnvLevel = "SMA_LOGLEVEL"

// Level is a log level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format is the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level to output.
	Level Level

	// Format is text or json.
	Format Format

	// Output defaults to os.Stderr.
	Output io.Writer
}

// New creates a logger from cfg.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *slog.Logger) *slog.Logger {
	if log == nil {
		return Nop()
	}
	return log
}

// ParseLevel parses a level name case-insensitively. Unknown names, and the
// empty string, yield LevelWarn, the agent's default verbosity.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "error", "critical":
		return LevelError
	default:
		return LevelWarn
	}
}

// ParseFormat parses a format name. Anything other than json is text.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// LevelFromEnv returns the level named by SMA_LOGLEVEL, or fallback when the
// variable is unset.
func LevelFromEnv(fallback string) Level {
	if v, ok := os.LookupEnv(EnvLevel); ok && v != "" {
		return ParseLevel(v)
	}
	return ParseLevel(fallback)
}
