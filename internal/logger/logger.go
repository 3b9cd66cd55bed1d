// Package logger contains a logger implementation.
package logger

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// Level is a log level.
type Level int

// Log levels.
const (
	Debug Level = iota + 1
	Info
	Warn
	Error
)

// ParseLevel parses a log level from its string representation.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	}
	return 0, fmt.Errorf("invalid log level: %q", s)
}

// Writer is an object that provides a log method.
type Writer interface {
	Log(level Level, format string, args ...any)
}

// Logger is a log handler.
type Logger struct {
	level    Level
	useColor bool
	mutex    sync.Mutex
	buf      bytes.Buffer
}

// New allocates a Logger.
func New(level Level) *Logger {
	return &Logger{
		level:    level,
		useColor: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// SetLevel changes the minimum level of logged messages.
func (l *Logger) SetLevel(level Level) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.level = level
}

func levelPrefix(level Level) (string, color.Color) {
	switch level {
	case Debug:
		return "DEB", color.Gray
	case Info:
		return "INF", color.Green
	case Warn:
		return "WAR", color.Yellow
	default:
		return "ERR", color.Red
	}
}

// Log writes a log entry.
func (l *Logger) Log(level Level, format string, args ...any) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if level < l.level {
		return
	}

	l.buf.Reset()

	now := time.Now().Format("2006/01/02 15:04:05")
	prefix, c := levelPrefix(level)

	if l.useColor {
		l.buf.WriteString(color.RenderString(color.Gray.Code(), now))
		l.buf.WriteByte(' ')
		l.buf.WriteString(color.RenderString(c.Code(), prefix))
	} else {
		l.buf.WriteString(now)
		l.buf.WriteByte(' ')
		l.buf.WriteString(prefix)
	}

	l.buf.WriteByte(' ')
	fmt.Fprintf(&l.buf, format, args...)
	l.buf.WriteByte('\n')

	os.Stdout.Write(l.buf.Bytes())
}
