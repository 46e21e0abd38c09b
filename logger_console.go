package gnats

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// ConsoleLogger writes human-readable lines with colored level tags.
// Colors are disabled automatically when the output is not a terminal.
type ConsoleLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  *atomic.Int32
	fields LogFields
}

// NewConsoleLogger creates a logger for interactive use.
func NewConsoleLogger(w io.Writer, level LogLevel) *ConsoleLogger {
	if w == nil {
		w = color.Output
	}
	l := &ConsoleLogger{
		mu:     &sync.Mutex{},
		out:    w,
		level:  new(atomic.Int32),
		fields: make(LogFields),
	}
	l.level.Store(int32(level))
	return l
}

// Debug logs a debug message.
func (c *ConsoleLogger) Debug(msg string, fields LogFields) {
	c.log(LogLevelDebug, msg, fields)
}

// Info logs an info message.
func (c *ConsoleLogger) Info(msg string, fields LogFields) {
	c.log(LogLevelInfo, msg, fields)
}

// Warn logs a warning message.
func (c *ConsoleLogger) Warn(msg string, fields LogFields) {
	c.log(LogLevelWarn, msg, fields)
}

// Error logs an error message.
func (c *ConsoleLogger) Error(msg string, fields LogFields) {
	c.log(LogLevelError, msg, fields)
}

// WithFields returns a new logger with the given fields added.
func (c *ConsoleLogger) WithFields(fields LogFields) Logger {
	return &ConsoleLogger{
		mu:     c.mu,
		out:    c.out,
		level:  c.level,
		fields: mergeFields(c.fields, fields),
	}
}

// Level returns the current log level.
func (c *ConsoleLogger) Level() LogLevel {
	return LogLevel(c.level.Load())
}

// SetLevel sets the log level.
func (c *ConsoleLogger) SetLevel(level LogLevel) {
	c.level.Store(int32(level))
}

func (c *ConsoleLogger) log(level LogLevel, msg string, fields LogFields) {
	if level < c.Level() {
		return
	}

	line := time.Now().Format("15:04:05.000") + " " + levelTag(level) + " " + msg
	if all := mergeFields(c.fields, fields); len(all) > 0 {
		line += " " + color.HiBlackString(formatFields(all))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func levelTag(level LogLevel) string {
	tag := fmt.Sprintf("%-5s", level.String())
	switch level {
	case LogLevelDebug:
		return color.MagentaString(tag)
	case LogLevelInfo:
		return color.BlueString(tag)
	case LogLevelWarn:
		return color.YellowString(tag)
	case LogLevelError:
		return color.RedString(tag)
	default:
		return tag
	}
}
