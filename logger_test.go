package gnats

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevel(t *testing.T) {
	names := map[LogLevel]string{
		LogLevelDebug: "DEBUG",
		LogLevelInfo:  "INFO",
		LogLevelWarn:  "WARN",
		LogLevelError: "ERROR",
		LogLevelNone:  "NONE",
		LogLevel(99):  "UNKNOWN",
	}
	for level, want := range names {
		assert.Equal(t, want, level.String())
	}

	ordered := []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelNone}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1], ordered[i])
	}
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	logger.Error("dropped", LogFields{LogFieldServer: "a:4222"})

	assert.Same(t, logger, logger.WithFields(LogFields{LogFieldClientName: "c"}))
	assert.Equal(t, LogLevelNone, logger.Level())

	logger.SetLevel(LogLevelWarn)
	assert.Equal(t, LogLevelWarn, logger.Level())
}

func logAll(l Logger) {
	l.Debug("ping sent", nil)
	l.Info("connected", nil)
	l.Warn("lame duck", nil)
	l.Error("stale connection", nil)
}

func TestStdLoggerThreshold(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
		skip  []string
	}{
		{LogLevelDebug, []string{"[DEBUG] ping sent", "[INFO] connected", "[WARN] lame duck", "[ERROR] stale connection"}, nil},
		{LogLevelInfo, []string{"connected", "lame duck", "stale connection"}, []string{"ping sent"}},
		{LogLevelWarn, []string{"lame duck", "stale connection"}, []string{"ping sent", "connected"}},
		{LogLevelError, []string{"stale connection"}, []string{"ping sent", "connected", "lame duck"}},
		{LogLevelNone, nil, []string{"ping sent", "connected", "lame duck", "stale connection"}},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logAll(NewStdLogger(&buf, tt.level))

			out := buf.String()
			for _, s := range tt.want {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.skip {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestStdLoggerFields(t *testing.T) {
	t.Run("sorted key value pairs", func(t *testing.T) {
		var buf bytes.Buffer
		NewStdLogger(&buf, LogLevelDebug).Info("subscribed", LogFields{LogFieldSubject: "orders.>", LogFieldSID: 4, LogFieldQueue: "workers"})
		assert.Contains(t, buf.String(), "[INFO] subscribed queue=workers sid=4 subject=orders.>")
	})

	t.Run("derived loggers merge fields", func(t *testing.T) {
		var buf bytes.Buffer
		conn := NewStdLogger(&buf, LogLevelDebug).
			WithFields(LogFields{LogFieldClientName: "billing"}).
			WithFields(LogFields{LogFieldServer: "a:4222"})

		conn.Warn("disconnected", LogFields{LogFieldError: "EOF"})
		assert.Contains(t, buf.String(), "disconnected client=billing error=EOF server=a:4222")
	})

	t.Run("call fields override bound fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewStdLogger(&buf, LogLevelDebug).WithFields(LogFields{LogFieldServer: "a:4222"})
		l.Info("reconnected", LogFields{LogFieldServer: "b:4222"})
		assert.Contains(t, buf.String(), "server=b:4222")
		assert.NotContains(t, buf.String(), "a:4222")
	})

	t.Run("derived loggers share the level", func(t *testing.T) {
		var buf bytes.Buffer
		root := NewStdLogger(&buf, LogLevelError)
		child := root.WithFields(LogFields{LogFieldClientName: "c"})

		child.Debug("hidden", nil)
		root.SetLevel(LogLevelDebug)
		child.Debug("visible", nil)

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
		assert.Equal(t, LogLevelDebug, child.Level())
	})

	t.Run("nil writer", func(t *testing.T) {
		l := NewStdLogger(nil, LogLevelInfo)
		assert.NotNil(t, l.logger)
		assert.Equal(t, LogLevelInfo, l.Level())
	})
}

func TestLoggerImplementations(t *testing.T) {
	for name, l := range map[string]Logger{
		"noop":    NewNoOpLogger(),
		"std":     NewStdLogger(nil, LogLevelNone),
		"console": NewConsoleLogger(nil, LogLevelNone),
		"slog":    NewSlogLogger(nil, LogLevelNone),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotNil(t, l.WithFields(LogFields{LogFieldAttempt: 1}))
			logAll(l)
		})
	}
}

func TestStdLoggerLifecycle(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLogger(&buf, LogLevelDebug).WithFields(LogFields{LogFieldClientName: "c1"})

	l.Info("connected", LogFields{LogFieldServer: "a:4222"})
	l.Debug("reconnect attempt", LogFields{LogFieldAttempt: 2, LogFieldDelay: "250ms"})
	l.Error("max reconnects reached", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[1], "attempt=2 client=c1 delay=250ms")
	assert.Contains(t, lines[2], "[ERROR] max reconnects reached client=c1")
}

func BenchmarkStdLogger(b *testing.B) {
	fields := LogFields{LogFieldSubject: "orders.created", LogFieldSID: 7}

	b.Run("filtered", func(b *testing.B) {
		l := NewStdLogger(&bytes.Buffer{}, LogLevelError)
		b.ReportAllocs()
		for b.Loop() {
			l.Debug("delivered", fields)
		}
	})

	b.Run("with fields", func(b *testing.B) {
		l := NewStdLogger(&bytes.Buffer{}, LogLevelDebug)
		b.ReportAllocs()
		for b.Loop() {
			l.Info("delivered", fields)
		}
	})
}
