// Package slogs holds the process-wide structured logger used by the plugin
// core. Components log through it instead of constructing their own handlers
// so embedding applications can redirect everything with SetLogger.
package slogs

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	logger atomic.Value
	level  = new(slog.LevelVar)
)

func init() {
	level.Set(slog.LevelInfo)
	logger.Store(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

func Logger() *slog.Logger {
	return logger.Load().(*slog.Logger)
}

// SetLogger replaces the package logger. A nil logger is ignored.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	logger.Store(l)
}

// SetLevel adjusts the minimum level of the default handler.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}
