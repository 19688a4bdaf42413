// Package logging builds the slog loggers used across pipekit and holds the
// process-wide default.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Environment variables read by Default.
const (
	EnvLevel  = "PIPEKIT_LOG_LEVEL"
	EnvFormat = "PIPEKIT_LOG_FORMAT"
)

var (
	defaultOnce   sync.Once
	defaultMu     sync.RWMutex
	defaultLogger *slog.Logger
)

// NewLogger returns a logger writing to stderr, leaving stdout to command
// output such as streamed step logs. format is "json" or text.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel reads a --log-level or PIPEKIT_LOG_LEVEL value. Unknown values
// mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the process-wide logger. On first use it is built from
// PIPEKIT_LOG_LEVEL and PIPEKIT_LOG_FORMAT unless SetDefault ran first.
func Default() *slog.Logger {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		defer defaultMu.Unlock()
		if defaultLogger == nil {
			defaultLogger = NewLogger(ParseLevel(os.Getenv(EnvLevel)), os.Getenv(EnvFormat))
		}
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger, typically once from main
// after flags are parsed.
func SetDefault(l *slog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// For returns the default logger tagged with a component name.
func For(component string) *slog.Logger {
	return Default().With("component", component)
}
