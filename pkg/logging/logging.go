// Package logging provides structured logging for the HTLC daemon and its components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log and adds component scoping.
type Logger struct {
	*log.Logger
	component string
}

// Config holds logger configuration.
type Config struct {
	Level      string
	TimeFormat string
	Prefix     string
	JSON       bool
	Output     io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		Prefix:          cfg.Prefix,
		Level:           ParseLevel(cfg.Level),
	}
	if cfg.JSON {
		opts.Formatter = log.JSONFormatter
	}

	return &Logger{Logger: log.NewWithOptions(output, opts), component: cfg.Prefix}
}

// OpenFile opens (or creates) a log file for appending.
// The caller owns the returned file.
func OpenFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(&Config{Level: "fatal", Output: io.Discard})
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info", "":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Component returns a logger scoped to a named component.
// Nested components are joined with a dot ("rpc.ws").
func (l *Logger) Component(name string) *Logger {
	prefix := name
	if l.component != "" {
		prefix = l.component + "." + name
	}
	return &Logger{Logger: l.Logger.WithPrefix(prefix), component: prefix}
}

// Name returns the component name of this logger.
func (l *Logger) Name() string {
	return l.component
}

var defaultLogger = New(DefaultConfig())

// SetDefault sets the process-wide default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// GetDefault returns the process-wide default logger.
func GetDefault() *Logger {
	return defaultLogger
}
