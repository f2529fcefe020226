package logging

import (
	"os"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than on a concrete logging
// library so tests can swap in a no-op or capture implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	entries   = make(map[string]*logrus.Entry)
	entriesMu sync.Mutex
)

// NewComponentLogger returns the default application logger scoped to a
// component. Loggers are cached per component name.
func NewComponentLogger(component string) Logger {
	entriesMu.Lock()
	defer entriesMu.Unlock()

	if entry, ok := entries[component]; ok {
		return &componentLogger{entry: entry}
	}

	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level := logrus.InfoLevel
	if raw := os.Getenv("LOOM_LOG_LEVEL"); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	base.SetLevel(level)

	entry := base.WithField("component", component)
	entries[component] = entry
	return &componentLogger{entry: entry}
}

type componentLogger struct {
	entry *logrus.Entry
}

func (l *componentLogger) Debug(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.entry.Errorf(format, args...) }
