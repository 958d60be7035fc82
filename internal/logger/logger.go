package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = map[LogLevel]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

// Format selects the line encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]any

// Logger provides leveled logging with module support
type Logger struct {
	mu    sync.Mutex
	level LogLevel
	base  *logrus.Logger
}

var defaultLogger *Logger
var once sync.Once

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, useColor bool) {
	InitWithFormat(level, output, useColor, FormatText)
}

// InitWithFormat is Init with an explicit line format.
func InitWithFormat(level LogLevel, output io.Writer, useColor bool, format Format) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor, format)
	})
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool, format Format) *Logger {
	if output == nil {
		output = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(logrus.DebugLevel)
	if format == FormatJSON {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006/01/02 15:04:05.000000",
			ForceColors:     useColor,
			DisableColors:   !useColor,
		})
	}

	return &Logger{level: level, base: base}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level LogLevel, module string, fields Fields, format string, args ...interface{}) {
	if level < l.GetLevel() {
		return
	}

	var lvl logrus.Level
	switch level {
	case DEBUG:
		lvl = logrus.DebugLevel
	case INFO:
		lvl = logrus.InfoLevel
	case WARN:
		lvl = logrus.WarnLevel
	case ERROR:
		lvl = logrus.ErrorLevel
	default:
		return
	}

	entry := logrus.NewEntry(l.base)
	if module != "" {
		entry = entry.WithField("module", module)
	}
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	entry.Logf(lvl, format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, nil, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, nil, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, nil, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, nil, format, args...)
}

// Scoped is a module logger carrying fixed structured fields.
// A nil parent makes every call a no-op.
type Scoped struct {
	parent *Logger
	module string
	fields Fields
}

// Scope returns a logger bound to module and fields.
func (l *Logger) Scope(module string, fields Fields) *Scoped {
	return &Scoped{parent: l, module: module, fields: fields}
}

// With returns a copy of s with extra fields.
func (s *Scoped) With(fields Fields) *Scoped {
	merged := make(Fields, len(s.fields)+len(fields))
	for k, v := range s.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Scoped{parent: s.parent, module: s.module, fields: merged}
}

func (s *Scoped) Debug(format string, args ...interface{}) { s.emit(DEBUG, format, args...) }
func (s *Scoped) Info(format string, args ...interface{})  { s.emit(INFO, format, args...) }
func (s *Scoped) Warn(format string, args ...interface{})  { s.emit(WARN, format, args...) }
func (s *Scoped) Error(format string, args ...interface{}) { s.emit(ERROR, format, args...) }

func (s *Scoped) emit(level LogLevel, format string, args ...interface{}) {
	if s == nil || s.parent == nil {
		return
	}
	s.parent.log(level, s.module, s.fields, format, args...)
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// Scope returns a scoped logger on the global logger.
// Before Init the returned logger discards everything.
func Scope(module string, fields Fields) *Scoped {
	return &Scoped{parent: defaultLogger, module: module, fields: fields}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// ParseFormat parses a log format string
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
