package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[string]LogLevel{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// LogFormat selects how log lines are rendered.
type LogFormat string

const (
	FormatConsole LogFormat = "console"
	FormatJSON    LogFormat = "json"
)

// Logger wraps a zerolog logger with printf-style level helpers.
type Logger struct {
	level atomic.Int32
	base  zerolog.Logger
}

// NewLogger creates a level-aware console logger writing to stdout.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriter(level, os.Stdout)
}

// NewLoggerWithWriter creates a level-aware logger writing plain console lines to w.
func NewLoggerWithWriter(level LogLevel, w io.Writer) *Logger {
	return NewLoggerWithFormat(level, FormatConsole, w)
}

// NewLoggerWithFormat creates a logger rendering in the requested format.
func NewLoggerWithFormat(level LogLevel, format LogFormat, w io.Writer) *Logger {
	var out io.Writer = w
	if format != FormatJSON {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}
	l := &Logger{base: zerolog.New(out).With().Timestamp().Str("app", "hypr-opaque").Logger()}
	l.level.Store(int32(level))
	return l
}

// With returns a child logger carrying an extra field on every line.
func (l *Logger) With(key, value string) *Logger {
	if l == nil {
		return nil
	}
	child := &Logger{base: l.base.With().Str(key, value).Logger()}
	child.level.Store(l.level.Load())
	return child
}

func (l *Logger) SetLevel(level LogLevel) {
	if l == nil {
		return
	}
	l.level.Store(int32(level))
}

func (l *Logger) Level() LogLevel {
	if l == nil {
		return LevelInfo
	}
	return LogLevel(l.level.Load())
}

func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	if l == nil || level < LogLevel(l.level.Load()) {
		return
	}
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.base.Debug()
	case LevelInfo:
		ev = l.base.Info()
	case LevelWarn:
		ev = l.base.Warn()
	default:
		ev = l.base.Error()
	}
	ev.Msg(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarn, format, args...)
}
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}

// ParseLogLevel converts a string into a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return LevelInfo
}

// ParseLogFormat converts a string into a LogFormat, defaulting to console.
func ParseLogFormat(s string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatConsole
}
