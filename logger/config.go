package logger

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds the logger configuration
type Config struct {
	Level      slog.Level
	Format     string    // "json" or "text"
	AddSource  bool      // Whether to add source code information
	AddContext bool      // Whether to add context information
	Writer     io.Writer // Custom writer for output
	SeqURL     string    // Optional Seq ingestion endpoint
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "json",
		AddSource:  false,
		AddContext: true,
		Writer:     os.Stdout,
	}
}

// Levels outside slog's four.
const (
	LevelTrace slog.Level = -8
	LevelFatal slog.Level = 12
)

// LevelName renders TRACE and FATAL by name and the rest as slog does.
func LevelName(level slog.Level) string {
	switch level {
	case LevelTrace:
		return "TRACE"
	case LevelFatal:
		return "FATAL"
	}
	return level.String()
}

// ParseLevel accepts TRACE, DEBUG, INFO, WARN, ERROR, FATAL or an integer level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, true
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	case "FATAL":
		return LevelFatal, true
	}
	if n, err := strconv.Atoi(s); err == nil {
		return slog.Level(n), true
	}
	return slog.LevelInfo, false
}

// LoadConfig loads the logger configuration from environment variables
func LoadConfig() Config {
	config := DefaultConfig()

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		if level, ok := ParseLevel(levelStr); ok {
			config.Level = level
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format == "text" || format == "json" {
		config.Format = format
	}

	if addSourceStr := os.Getenv("LOG_ADD_SOURCE"); addSourceStr != "" {
		if addSource, err := strconv.ParseBool(addSourceStr); err == nil {
			config.AddSource = addSource
		}
	}

	if addContextStr := os.Getenv("LOG_ADD_CONTEXT"); addContextStr != "" {
		if addContext, err := strconv.ParseBool(addContextStr); err == nil {
			config.AddContext = addContext
		}
	}

	config.SeqURL = os.Getenv("LOG_SEQ_URL")

	return config
}

// NewLogger creates a new logger with the given configuration. The returned
// function flushes and closes the Seq sink when one is configured.
func NewLogger(config Config) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelName(level))
				}
			}
			return a
		},
	}

	writer := config.Writer
	if writer == nil {
		writer = os.Stdout
	}

	var handler slog.Handler
	switch config.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default: // json
		handler = slog.NewJSONHandler(writer, opts)
	}

	if config.SeqURL == "" {
		return slog.New(handler), func() {}
	}

	seq := newSeqHandler(config.SeqURL, opts)
	if seq == nil {
		return slog.New(handler), func() {}
	}
	return slog.New(&fanoutHandler{handlers: []slog.Handler{handler, seq}}), func() { seq.Close() }
}
