// Package logging provides structured logging for htcp-purger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// FileOptions configures a rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int // rotate after this size, default 10
	MaxBackups int // rotated files kept, default 3
	MaxAgeDays int // days to keep rotated files, default 7
}

// NewFileWriter returns a size-rotated writer for opts.Path.
func NewFileWriter(opts FileOptions) io.WriteCloser {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 7
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DiagnosticFunc receives purge diagnostics as a category such as
// "error/htcp-purge" plus a details map that always carries "msg".
type DiagnosticFunc func(category string, details map[string]any)

// NopDiagnostic discards diagnostics.
func NopDiagnostic(string, map[string]any) {}

// Callback adapts logger to a DiagnosticFunc. The category prefix before
// the first slash selects the level: "error", "warn" and "debug" map to
// their slog levels, anything else logs at info.
func Callback(logger *slog.Logger) DiagnosticFunc {
	if logger == nil {
		return NopDiagnostic
	}
	return func(category string, details map[string]any) {
		msg, _ := details["msg"].(string)
		if msg == "" {
			msg = category
		}

		attrs := make([]any, 0, 2+2*len(details))
		attrs = append(attrs, KeyCategory, category)
		for k, v := range details {
			if k == "msg" {
				continue
			}
			attrs = append(attrs, k, v)
		}

		logger.Log(context.Background(), categoryLevel(category), msg, attrs...)
	}
}

func categoryLevel(category string) slog.Level {
	prefix, _, _ := strings.Cut(category, "/")
	switch prefix {
	case "error", "fatal":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug", "trace":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Common attribute keys for consistent logging.
const (
	KeyURL         = "url"
	KeyDestination = "destination"
	KeyTxID        = "txid"
	KeyCategory    = "category"
	KeyBytes       = "bytes"
	KeyError       = "error"
	KeyComponent   = "component"
	KeyLocalAddr   = "local_addr"
	KeyRemoteAddr  = "remote_addr"
	KeyDuration    = "duration"
	KeyCount       = "count"
)
