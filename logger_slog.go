package gnats

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
)

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
	level  *atomic.Int32
}

// NewSlogLogger wraps l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger, level LogLevel) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	s := &SlogLogger{logger: l, level: new(atomic.Int32)}
	s.level.Store(int32(level))
	return s
}

// Debug logs a debug message.
func (s *SlogLogger) Debug(msg string, fields LogFields) {
	s.log(LogLevelDebug, slog.LevelDebug, msg, fields)
}

// Info logs an info message.
func (s *SlogLogger) Info(msg string, fields LogFields) {
	s.log(LogLevelInfo, slog.LevelInfo, msg, fields)
}

// Warn logs a warning message.
func (s *SlogLogger) Warn(msg string, fields LogFields) {
	s.log(LogLevelWarn, slog.LevelWarn, msg, fields)
}

// Error logs an error message.
func (s *SlogLogger) Error(msg string, fields LogFields) {
	s.log(LogLevelError, slog.LevelError, msg, fields)
}

// WithFields returns a new logger with the given fields added.
func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{logger: s.logger.With(fieldAttrs(fields)...), level: s.level}
}

// Level returns the current log level.
func (s *SlogLogger) Level() LogLevel {
	return LogLevel(s.level.Load())
}

// SetLevel sets the log level.
func (s *SlogLogger) SetLevel(level LogLevel) {
	s.level.Store(int32(level))
}

func (s *SlogLogger) log(level LogLevel, sl slog.Level, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}
	s.logger.Log(context.Background(), sl, msg, fieldAttrs(fields)...)
}

func fieldAttrs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]any, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return attrs
}
