package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogFormat selects the slog handler used for output
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// ParseLogFormat parses a handler format name, defaulting to text
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %s", format)
	}
}

// NewLogger creates a slog logger writing to output
func NewLogger(level slog.Level, format LogFormat, output io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(output, opts))
	}
	return slog.New(slog.NewTextHandler(output, opts))
}

// LogOutput selects where SetupLogging writes. An empty File means stdout.
type LogOutput struct {
	File       string
	MaxSize    int64
	MaxBackups int
	Compress   bool
}

// SetupLogging configures the default slog logger. The returned closer releases
// the log file, if any.
func SetupLogging(levelStr, formatStr string, out LogOutput) (io.Closer, error) {
	level, err := ParseLogLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	format, err := ParseLogFormat(formatStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log format: %w", err)
	}

	var output io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if out.File != "" {
		rotator, err := NewLogRotator(RotationConfig{
			Filename:   out.File,
			MaxSize:    out.MaxSize,
			MaxBackups: out.MaxBackups,
			Compress:   out.Compress,
		})
		if err != nil {
			return nil, err
		}
		output = rotator
		closer = rotator
	}

	slog.SetDefault(NewLogger(level, format, output))
	return closer, nil
}

// ComponentLogger returns logger (or the default) tagged with component
func ComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
