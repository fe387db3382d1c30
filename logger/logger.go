package logger

import (
	"context"
	"log/slog"
	"sync"
)

// Logger is the global logger instance
var Logger *slog.Logger

var (
	mu      sync.Mutex
	current Config
	closeFn = func() {}
)

func init() {
	current = LoadConfig()
	Logger, closeFn = NewLogger(current)
}

// Configure replaces the global logger. The previous Seq sink, if any, is flushed and closed.
func Configure(config Config) {
	mu.Lock()
	defer mu.Unlock()

	closeFn()
	current = config
	Logger, closeFn = NewLogger(config)
}

// Close flushes any buffered sinks of the global logger.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeFn()
	closeFn = func() {}
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// DebugContext logs a debug message with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	Logger.Debug(msg, appendContextArgs(ctx, args...)...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	Logger.Info(msg, appendContextArgs(ctx, args...)...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// WarnContext logs a warning message with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	Logger.Warn(msg, appendContextArgs(ctx, args...)...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// ErrorContext logs an error message with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Logger.Error(msg, appendContextArgs(ctx, args...)...)
}

// Trace logs below debug level.
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// LogContext logs at an arbitrary level with context values attached.
func LogContext(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger.Log(ctx, level, msg, appendContextArgs(ctx, args...)...)
}

// With returns a new Logger that includes the given attributes in each output operation
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// WithContext returns a new Logger that includes context information
func WithContext(ctx context.Context) *slog.Logger {
	return Logger.With(appendContextArgs(ctx)...)
}

// SetLogLevel programmatically sets the log level
func SetLogLevel(level slog.Level) {
	mu.Lock()
	config := current
	mu.Unlock()

	config.Level = level
	Configure(config)
}

func appendContextArgs(ctx context.Context, args ...any) []any {
	mu.Lock()
	addContext := current.AddContext
	mu.Unlock()
	if !addContext {
		return args
	}
	return append(args, ExtractContextValues(ctx)...)
}
