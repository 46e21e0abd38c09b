package gnats

import (
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// LogLevel orders log severities; a logger emits messages at or above its level.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelNone // silences the logger
)

var logLevelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "NONE"}

func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(logLevelNames) {
		return "UNKNOWN"
	}
	return logLevelNames[l]
}

// LogFields are structured key/value pairs attached to a log line.
type LogFields map[string]any

// Logger is the structured logger used throughout the client. Bring your own
// by implementing it, or use StdLogger, ConsoleLogger or SlogLogger.
type Logger interface {
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, fields LogFields)

	// WithFields returns a logger that adds fields to every line.
	WithFields(fields LogFields) Logger

	Level() LogLevel
	SetLevel(level LogLevel)
}

// NoOpLogger drops everything. It is the default logger.
type NoOpLogger struct {
	level LogLevel
}

func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{level: LogLevelNone}
}

func (*NoOpLogger) Debug(string, LogFields) {}
func (*NoOpLogger) Info(string, LogFields)  {}
func (*NoOpLogger) Warn(string, LogFields)  {}
func (*NoOpLogger) Error(string, LogFields) {}

func (n *NoOpLogger) WithFields(LogFields) Logger { return n }
func (n *NoOpLogger) Level() LogLevel             { return n.level }
func (n *NoOpLogger) SetLevel(level LogLevel)     { n.level = level }

// StdLogger writes lines through the standard log package as
// "[LEVEL] msg k=v ...", with keys sorted.
type StdLogger struct {
	logger *log.Logger
	level  *atomic.Int32 // shared with derived loggers
	fields LogFields
}

// NewStdLogger logs to w, or to stderr when w is nil.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	l := &StdLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  new(atomic.Int32),
		fields: make(LogFields),
	}
	l.level.Store(int32(level))
	return l
}

func (s *StdLogger) Debug(msg string, fields LogFields) { s.log(LogLevelDebug, msg, fields) }
func (s *StdLogger) Info(msg string, fields LogFields)  { s.log(LogLevelInfo, msg, fields) }
func (s *StdLogger) Warn(msg string, fields LogFields)  { s.log(LogLevelWarn, msg, fields) }
func (s *StdLogger) Error(msg string, fields LogFields) { s.log(LogLevelError, msg, fields) }

func (s *StdLogger) WithFields(fields LogFields) Logger {
	return &StdLogger{
		logger: s.logger,
		level:  s.level,
		fields: mergeFields(s.fields, fields),
	}
}

func (s *StdLogger) Level() LogLevel         { return LogLevel(s.level.Load()) }
func (s *StdLogger) SetLevel(level LogLevel) { s.level.Store(int32(level)) }

func (s *StdLogger) log(level LogLevel, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}
	all := mergeFields(s.fields, fields)
	if len(all) == 0 {
		s.logger.Printf("[%s] %s", level, msg)
		return
	}

	s.logger.Printf("[%s] %s %s", level, msg, formatFields(all))
}

func mergeFields(base, extra LogFields) LogFields {
	out := make(LogFields, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields LogFields) string {
	keys := slices.Sorted(maps.Keys(fields))
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%v", k, fields[k])
	}
	return sb.String()
}

// Standard field names for client logging.
const (
	LogFieldClientName = "client"
	LogFieldServer     = "server"
	LogFieldSubject    = "subject"
	LogFieldQueue      = "queue"
	LogFieldSID        = "sid"
	LogFieldAttempt    = "attempt"
	LogFieldDelay      = "delay"
	LogFieldError      = "error"
	LogFieldCount      = "count"
)
