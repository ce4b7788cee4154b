package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger so call sites log a message plus key/value pairs.
type Logger struct {
	*slog.Logger
}

func New(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return &Logger{Logger: slog.New(handler)}
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) Fatal(msg string, args ...any) {
	l.Logger.Error(msg, args...)
	os.Exit(1)
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Global logger instance
var GlobalLogger = New(os.Stdout, os.Getenv("LOG_LEVEL"))

// SetGlobal replaces the logger used by the package-level helpers.
func SetGlobal(l *Logger) {
	if l != nil {
		GlobalLogger = l
	}
}

// Convenience functions
func Info(msg string, args ...any) {
	GlobalLogger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	GlobalLogger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	GlobalLogger.Error(msg, args...)
}

func Debug(msg string, args ...any) {
	GlobalLogger.Debug(msg, args...)
}

func Fatal(msg string, args ...any) {
	GlobalLogger.Fatal(msg, args...)
}
