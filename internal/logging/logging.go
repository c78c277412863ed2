// Package logging provides the structured, leveled logger used by every
// Azazel component. It wraps the standard library's log/slog so call
// sites get a small, stable API (WithComponent, Info/Warn/Error/Debug
// with variadic key/value pairs) without depending on slog directly.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level mirrors the handful of levels Azazel components actually use.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls how the default logger is constructed.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// DefaultConfig returns the configuration used when no explicit Config
// is supplied: info level, human-readable text, stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, JSON: false, Output: os.Stderr}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	base      *slog.Logger
	component string
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &Logger{base: slog.New(handler)}
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process-wide default logger, built lazily from
// DefaultConfig.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(DefaultConfig())
	})
	return defaultLogger
}

// WithComponent returns a copy of the default logger tagged with
// component. It is the common entry point components use at
// construction time: logging.WithComponent("enforcer").
func WithComponent(component string) *Logger {
	return Default().WithComponent(component)
}

// WithComponent returns a copy of l tagged with component, so every
// subsequent log line carries a "component" field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base, component: component}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, kv []any) {
	if l.component != "" {
		kv = append([]any{"component", l.component}, kv...)
	}
	l.base.Log(ctx, level, msg, kv...)
}

func (l *Logger) Debug(msg string, kv ...any) { l.log(context.Background(), slog.LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)   { l.log(context.Background(), slog.LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)   { l.log(context.Background(), slog.LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any)  { l.log(context.Background(), slog.LevelError, msg, kv) }
