// Package logging configures zerolog for the memory layer. It supports
// console or structured JSON output, optional file logging, and component
// sub-loggers. The layer never logs through any other path.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls logger behavior.
type Config struct {
	// Level is the minimum level to log ("debug", "info", "warn", "error").
	Level string

	// Structured emits JSON instead of the human console format.
	Structured bool

	// FilePath, when set, duplicates output to a log file.
	FilePath string
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// New builds a zerolog.Logger from cfg. A bad level string falls back to
// info rather than failing; logging setup must never block enable.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Structured {
		writers = append(writers, os.Stderr)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return logger, nil
}

// Component returns a sub-logger tagged with a component name, the way every
// package in the layer identifies itself in log output.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
