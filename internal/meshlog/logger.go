// Package meshlog provides the leveled, prefix-forking logger used
// throughout the mesh ingress and agent. It is a trimmed adaptation of the
// teacher project's share/logger.go: same level ladder and Fork semantics,
// pared down to the methods the mesh packages actually call.
package meshlog

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level specifies the severity of a log record; lower values are more
// severe and are never filtered out.
type Level int

const (
	// LevelError is for unexpected failures that abort an operation.
	LevelError Level = iota
	// LevelWarning is for recoverable anomalies worth operator attention.
	LevelWarning
	// LevelInfo is for high level lifecycle events (accept, register, evict).
	LevelInfo
	// LevelDebug is for per-request/per-frame detail.
	LevelDebug
)

var levelNames = [...]string{"error", "warning", "info", "debug"}

// ParseLevel converts a case-insensitive level name to a Level. It returns
// LevelInfo and false if the name is not recognized.
func ParseLevel(s string) (Level, bool) {
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return Level(i), true
		}
	}
	return LevelInfo, false
}

func (l Level) String() string {
	if l < LevelError || l > LevelDebug {
		return "unknown"
	}
	return levelNames[l]
}

// Logger is a leveled logger with a fixed prefix. New child loggers are
// created with Fork, which appends to the parent's prefix the same way the
// teacher's BasicLogger.Fork does.
type Logger struct {
	prefix string
	level  Level
	out    *log.Logger
}

// New creates a root Logger that writes to os.Stderr with the given prefix
// and minimum level.
func New(prefix string, level Level) *Logger {
	return &Logger{
		prefix: prefix,
		level:  level,
		out:    log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// Fork returns a new Logger that shares this Logger's level and output but
// has prefix "parent: child".
func (l *Logger) Fork(format string, args ...interface{}) *Logger {
	child := fmt.Sprintf(format, args...)
	prefix := child
	if l.prefix != "" {
		prefix = l.prefix + ": " + child
	}
	return &Logger{prefix: prefix, level: l.level, out: l.out}
}

// Level returns the logger's minimum emitted level.
func (l *Logger) Level() Level { return l.level }

// SetLevel changes the minimum emitted level.
func (l *Logger) SetLevel(level Level) { l.level = level }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level > l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = "[" + l.prefix + "] " + msg
	}
	l.out.Print(strings.ToUpper(level.String()[:1]) + level.String()[1:] + ": " + msg)
}

// Errorf logs at LevelError and returns an error with the same text,
// prefixed, so call sites can `return l.Errorf(...)` in one step. format may
// use %w to wrap an underlying error.
func (l *Logger) Errorf(format string, args ...interface{}) error {
	wrapped := fmt.Errorf(format, args...)
	l.logf(LevelError, "%s", wrapped.Error())
	if l.prefix != "" {
		return fmt.Errorf("%s: %w", l.prefix, wrapped)
	}
	return wrapped
}

// Warnf logs at LevelWarning.
func (l *Logger) Warnf(format string, args ...interface{}) { l.logf(LevelWarning, format, args...) }

// Infof logs at LevelInfo.
func (l *Logger) Infof(format string, args ...interface{}) { l.logf(LevelInfo, format, args...) }

// Debugf logs at LevelDebug.
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }

// Fatalf logs at LevelError then exits the process with status 3 (fatal
// runtime error, per the exit code table).
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
	os.Exit(3)
}
