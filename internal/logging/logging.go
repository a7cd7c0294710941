// Package logging provides a small component-scoped wrapper over log/slog.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Logger is the narrow logging surface every component depends on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	With(key string, value any) Logger
}

var (
	baseMu      sync.Mutex
	baseHandler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
)

// SetLevel adjusts the minimum log level for loggers created after the call;
// loggers that already exist keep the handler they were built with.
func SetLevel(level slog.Level) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
}

type componentLogger struct {
	logger *slog.Logger
}

// NewComponentLogger returns a Logger tagged with a component name, matching
// the convention used at call sites elsewhere in this family of codebases
// (logging.NewComponentLogger("ClaudeCodeExecutor")).
func NewComponentLogger(component string) Logger {
	baseMu.Lock()
	handler := baseHandler
	baseMu.Unlock()
	return &componentLogger{logger: slog.New(handler).With("component", component)}
}

// Nop returns a Logger that discards everything, for tests and optional deps.
func Nop() Logger {
	return &componentLogger{logger: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// OrNop returns l if non-nil, else a discarding logger.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func (c *componentLogger) Debug(format string, args ...any) { c.logger.Debug(fmt.Sprintf(format, args...)) }
func (c *componentLogger) Info(format string, args ...any)  { c.logger.Info(fmt.Sprintf(format, args...)) }
func (c *componentLogger) Warn(format string, args ...any)  { c.logger.Warn(fmt.Sprintf(format, args...)) }
func (c *componentLogger) Error(format string, args ...any) { c.logger.Error(fmt.Sprintf(format, args...)) }

func (c *componentLogger) With(key string, value any) Logger {
	return &componentLogger{logger: c.logger.With(key, value)}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
