// Package logging provides the leveled logger shared by tiller components.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes RFC3339-stamped, level-filtered lines to a single writer.
type Logger struct {
	level Level
	out   *log.Logger
	scope string
}

func New(w io.Writer, level Level, scope string) *Logger {
	return &Logger{level: level, out: log.New(w, "", 0), scope: scope}
}

// Nop returns a logger that discards everything. Test use.
func Nop() *Logger {
	return New(io.Discard, LevelError, "")
}

// WithScope returns a logger sharing the same sink under a new component name.
func (l *Logger) WithScope(scope string) *Logger {
	return &Logger{level: l.level, out: l.out, scope: scope}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.scope != "" {
		l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.scope, msg)
		return
	}
	l.out.Printf("%s %s %s", time.Now().Format(time.RFC3339), level, msg)
}
