package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init configures the package logger. format is "text" or "json"; level is
// one of debug, info, warn, error.
func Init(level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		log = New(NewJSONHandler(os.Stderr, opts))
		return
	}
	log = New(NewTextHandler(os.Stderr, opts))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func New(h slog.Handler) *slog.Logger { return slog.New(h) }

func NewJSONHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewJSONHandler(w, opts)
}

func NewTextHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewTextHandler(w, opts)
}

// SetOutput replaces the package logger; used by tests to capture output.
func SetOutput(l *slog.Logger) { log = l }

func L() *slog.Logger { return log }

func Info(msg string, args ...any)  { log.Info(msg, args...) }
func Warn(msg string, args ...any)  { log.Warn(msg, args...) }
func Error(msg string, args ...any) { log.Error(msg, args...) }
func Debug(msg string, args ...any) { log.Debug(msg, args...) }

func Infof(format string, v ...any)  { log.Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { log.Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { log.Error(fmt.Sprintf(format, v...)) }
func Debugf(format string, v ...any) { log.Debug(fmt.Sprintf(format, v...)) }

func With(args ...any) *slog.Logger { return log.With(args...) }

func WithError(err error) *slog.Logger {
	if err == nil {
		return log
	}
	return log.With("error", err.Error())
}

func WithFields(fields map[string]any) *slog.Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return log.With(args...)
}
