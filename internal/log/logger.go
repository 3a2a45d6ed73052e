package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	once   sync.Once
	logger atomic.Pointer[slog.Logger]
)

// Setup initializes the global logger writing to stderr.
// Invalid levels fall back to INFO, unknown formats fall back to JSON.
func Setup(level, format string) {
	once.Do(func() {
		Use(New(os.Stderr, level, format))
	})
}

// New builds a logger for w without touching the global one.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config level string onto slog. WARNING is accepted for
// parity with worker-side level names.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Use replaces the global logger. Tests use it to capture output.
func Use(l *slog.Logger) {
	logger.Store(l)
	slog.SetDefault(l)
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	Setup("INFO", "json")
	return logger.Load()
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithSession returns a logger tagged with a worker session's step and duplicate id.
func WithSession(step string, duplicateID int) *slog.Logger {
	return Get().With(
		slog.String("component", "session"),
		slog.String("step", step),
		slog.Int("duplicate_id", duplicateID),
	)
}

// WithRun returns a logger with the run_id field set.
func WithRun(id string) *slog.Logger {
	return Get().With(slog.String("run_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
