// Package logx is a small leveled logger with optional structured fields.
// It writes single-line entries, keeps no global state beyond the level and
// output sink, and is safe for concurrent use.
package logx

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which entries are emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Fields holds structured context attached to a log entry.
type Fields map[string]any

var std = &logger{out: os.Stderr, level: LevelInfo}

type logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// SetLevel sets the minimum level emitted by the package logger.
func SetLevel(level Level) {
	std.mu.Lock()
	std.level = level
	std.mu.Unlock()
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	std.out = w
	std.mu.Unlock()
}

func (l *logger) log(level Level, fields Fields, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	io.WriteString(l.out, b.String())
}

func Debug(msg string)                  { std.log(LevelDebug, nil, msg) }
func Debugf(format string, args ...any) { std.log(LevelDebug, nil, fmt.Sprintf(format, args...)) }
func Info(msg string)                   { std.log(LevelInfo, nil, msg) }
func Infof(format string, args ...any)  { std.log(LevelInfo, nil, fmt.Sprintf(format, args...)) }
func Warn(msg string)                   { std.log(LevelWarn, nil, msg) }
func Warnf(format string, args ...any)  { std.log(LevelWarn, nil, fmt.Sprintf(format, args...)) }
func Error(msg string)                  { std.log(LevelError, nil, msg) }
func Errorf(format string, args ...any) { std.log(LevelError, nil, fmt.Sprintf(format, args...)) }

// Fatalf logs at error level and exits the process.
func Fatalf(format string, args ...any) {
	std.log(LevelError, nil, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Entry carries fields for a single log call.
type Entry struct {
	fields Fields
}

// WithFields returns an entry that logs with the given structured fields.
func WithFields(fields Fields) *Entry {
	return &Entry{fields: fields}
}

func (e *Entry) Debugf(format string, args ...any) {
	std.log(LevelDebug, e.fields, fmt.Sprintf(format, args...))
}

func (e *Entry) Infof(format string, args ...any) {
	std.log(LevelInfo, e.fields, fmt.Sprintf(format, args...))
}

func (e *Entry) Warnf(format string, args ...any) {
	std.log(LevelWarn, e.fields, fmt.Sprintf(format, args...))
}

func (e *Entry) Errorf(format string, args ...any) {
	std.log(LevelError, e.fields, fmt.Sprintf(format, args...))
}
