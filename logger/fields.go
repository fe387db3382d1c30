package logger

import (
	"log/slog"
	"time"
)

// Field helpers for structured logging
var (
	String  = slog.String
	Int     = slog.Int
	Int64   = slog.Int64
	Float64 = slog.Float64
	Bool    = slog.Bool
	Time    = slog.Time
	Any     = slog.Any

	Duration = func(key string, d time.Duration) slog.Attr {
		return slog.Any(key, d)
	}

	ErrorField = func(err error) slog.Attr {
		if err == nil {
			return slog.String("error", "<nil>")
		}
		return slog.String("error", err.Error())
	}

	Component = func(name string) slog.Attr {
		return slog.String("component", name)
	}

	Operation = func(name string) slog.Attr {
		return slog.String("operation", name)
	}
)

// Query engine fields. QueryIDField uses the key WithQueryID attaches.

func Table(name string) slog.Attr { return slog.String("table", name) }

func CTE(name string) slog.Attr { return slog.String("cte", name) }

func QueryIDField(id string) slog.Attr { return slog.String(string(QueryIDKey), id) }

// Rows counts rows read, produced or moved by one step.
func Rows[T int | int64](n T) slog.Attr { return slog.Int64("rows", int64(n)) }

func Replans(n int) slog.Attr { return slog.Int("replans", n) }
