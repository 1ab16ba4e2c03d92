// Package logging configures the global slog logger for wssocksd.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global slog logger based on config settings.
// Returns the lumberjack logger (if file logging) so it can be closed on shutdown.
func Setup(level, format, file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *lumberjack.Logger {
	handler, lj := SetupHandler(level, format, file, maxSizeMB, maxBackups, maxAgeDays, compress)
	slog.SetDefault(slog.New(handler))
	return lj
}

// SetupHandler creates a slog.Handler and optional lumberjack logger without
// setting the global default. This allows callers to wrap the handler (e.g.
// with logring.TeeHandler) before calling slog.SetDefault.
func SetupHandler(level, format, file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) (slog.Handler, *lumberjack.Logger) {
	var w io.Writer = os.Stdout
	var lj *lumberjack.Logger

	if file != "" {
		lj = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		}
		w = lj
	}

	lvl := parseLevel(level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: redactPassword}
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return handler, lj
}

// redactPassword keeps SOCKS5 credentials (config.StaticToken.Password,
// registry.ReverseRecord.Password) out of the base log output; logring's
// TeeHandler applies the same redaction separately for the ring buffer that
// backs /api/v1/logs.
func redactPassword(groups []string, a slog.Attr) slog.Attr {
	if a.Key == "password" {
		a.Value = slog.StringValue("REDACTED")
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
