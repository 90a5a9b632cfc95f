// Package observability provides the logging and metrics facilities shared
// by every component of the retrieval service.
package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

var levelOrder = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

// Logger is the structured logging interface used across the service.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	WithPrefix(prefix string) Logger
}

// StandardLogger writes leveled key=value entries through the standard log
// package.
type StandardLogger struct {
	prefix string
	level  LogLevel
}

// NewStandardLogger creates a logger with the given component prefix at the
// level named by LOG_LEVEL (INFO when unset or unknown).
func NewStandardLogger(prefix string) Logger {
	level := LogLevel(strings.ToUpper(os.Getenv("LOG_LEVEL")))
	if _, ok := levelOrder[level]; !ok {
		level = LogLevelInfo
	}
	return &StandardLogger{prefix: prefix, level: level}
}

// WithPrefix returns a logger scoped to a sub-component.
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: l.level}
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	l.write(LogLevelDebug, msg, fields)
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	l.write(LogLevelInfo, msg, fields)
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	l.write(LogLevelWarn, msg, fields)
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.write(LogLevelError, msg, fields)
}

func (l *StandardLogger) write(level LogLevel, msg string, fields map[string]interface{}) {
	if levelOrder[level] < levelOrder[l.level] {
		return
	}
	ts := time.Now().Format(time.RFC3339Nano)
	log.Printf("%s [%s] [%s] %s%s", ts, level, l.prefix, msg, formatFields(fields))
}

// formatFields renders fields as sorted key=value pairs so entries for the
// same event are byte-comparable across runs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// NoopLogger discards all entries. Used in tests.
type NoopLogger struct{}

func NewNoopLogger() Logger { return &NoopLogger{} }

func (NoopLogger) Debug(string, map[string]interface{}) {}
func (NoopLogger) Info(string, map[string]interface{})  {}
func (NoopLogger) Warn(string, map[string]interface{})  {}
func (NoopLogger) Error(string, map[string]interface{}) {}
func (n NoopLogger) WithPrefix(string) Logger           { return n }
