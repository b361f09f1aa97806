// Package logger wraps log/slog with the balancer's own conventions:
// level/format/output selection from config, optional file rotation via
// lumberjack, and a couple of chained-field helpers for the two pieces of
// context that show up on almost every log line in this service — which
// upstream instance a line is about, and which inbound request produced it.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the package-level logger every balancer component writes through.
var Log *slog.Logger

// Config controls level, format, and destination of the package logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	Output     string // stdout, stderr, file
	FilePath   string
	MaxSize    int // MB, before lumberjack rotates
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Init sets up a minimal logger at the given level, JSON to stdout. Used
// before the full configuration has been loaded (e.g. to report a config
// load failure).
func Init(level string) {
	InitWithConfig(Config{
		Level:  level,
		Format: "json",
		Output: "stdout",
	})
}

// InitWithConfig builds the package logger from a fully-resolved Config.
func InitWithConfig(cfg Config) {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
	}

	writer := resolveWriter(cfg)

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	Log = slog.New(handler)
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

// resolveWriter picks the destination writer for cfg.Output, falling back
// to stdout if a file destination can't be created (e.g. the parent
// directory doesn't exist and can't be made).
func resolveWriter(cfg Config) io.Writer {
	switch cfg.Output {
	case "stderr":
		return os.Stderr
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "logs/balancer.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	default:
		return os.Stdout
	}
}

// WithContext returns a logger carrying the given key/value pairs, for
// callers that want to attach request-scoped fields without a dedicated
// helper.
func WithContext(_ context.Context, args ...any) *slog.Logger {
	return Log.With(args...)
}

// WithRequestID returns a logger that tags every line with the inbound
// request's ID, so a dispatch's retry-and-failure sequence can be grepped
// out of the log stream by request_id alone.
func WithRequestID(requestID string) *slog.Logger {
	return Log.With("request_id", requestID)
}

// WithInstance returns a logger that tags every line with the upstream
// instance address a log line is about — the dispatcher and health prober
// both use this instead of repeating "instance", addr at every call site.
func WithInstance(addr string) *slog.Logger {
	return Log.With("instance", addr)
}

// WithService returns a logger that tags every line with a service name,
// for binaries (balancer vs. sidecar) that want it on every line rather
// than passed per-call.
func WithService(service string) *slog.Logger {
	return Log.With("service", service)
}

// Debug logs at debug level on the package logger.
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs at info level on the package logger.
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs at warn level on the package logger.
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs at error level on the package logger.
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}

// Fatal logs at error level and terminates the process. Used only at
// startup, before any listener has bound, so there is nothing to drain.
func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
