package utils

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat parses "text" or "json".
func ParseLogFormat(s string) LogFormat {
	if s == "json" {
		return FormatJSON
	}
	return FormatText
}

// levelTable is shared between a logger and every logger derived from it.
type levelTable struct {
	mu         sync.RWMutex
	level      LogLevel
	components map[string]LogLevel
}

// StructuredLogger provides structured logging with levels, fields and
// per-component level overrides on top of logrus.
type StructuredLogger struct {
	entry     *logrus.Entry
	levels    *levelTable
	component string
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:  INFO,
		Output: os.Stdout,
		Format: FormatText,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) *StructuredLogger {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}

	base := logrus.New()
	base.SetOutput(config.Output)
	// Gating happens in isEnabled so component overrides can go below the global level.
	base.SetLevel(logrus.DebugLevel)
	base.SetReportCaller(config.IncludeCaller)
	if config.Format == FormatJSON {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
			DisableColors:   true,
		})
	}

	return &StructuredLogger{
		entry: logrus.NewEntry(base),
		levels: &levelTable{
			level:      config.Level,
			components: make(map[string]LogLevel),
		},
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	return NewStructuredLogger(&StructuredLoggerConfig{Level: ERROR, Output: io.Discard})
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return &StructuredLogger{
		entry:     sl.entry.WithField(key, value),
		levels:    sl.levels,
		component: sl.component,
	}
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	return &StructuredLogger{
		entry:     sl.entry.WithFields(logrus.Fields(fields)),
		levels:    sl.levels,
		component: sl.component,
	}
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	l := sl.WithField("component", component)
	l.component = component
	return l
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.levels.mu.Lock()
	defer sl.levels.mu.Unlock()
	sl.levels.components[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.levels.mu.Lock()
	defer sl.levels.mu.Unlock()
	sl.levels.level = level
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.levels.mu.RLock()
	defer sl.levels.mu.RUnlock()
	return sl.levels.level
}

// IsDebug reports whether debug output is enabled for this logger.
func (sl *StructuredLogger) IsDebug() bool {
	return sl.isEnabled(DEBUG)
}

func (sl *StructuredLogger) isEnabled(level LogLevel) bool {
	sl.levels.mu.RLock()
	defer sl.levels.mu.RUnlock()

	if sl.component != "" {
		if compLevel, ok := sl.levels.components[sl.component]; ok {
			return level >= compLevel
		}
	}
	return level >= sl.levels.level
}

func (sl *StructuredLogger) log(level LogLevel, message string, fieldMaps []map[string]interface{}) {
	if !sl.isEnabled(level) {
		return
	}
	entry := sl.entry
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		entry = entry.WithFields(logrus.Fields(fieldMaps[0]))
	}
	entry.Log(level.logrusLevel(), message)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.log(DEBUG, message, fields)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.log(INFO, message, fields)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.log(WARN, message, fields)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.log(ERROR, message, fields)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	if sl.isEnabled(DEBUG) {
		sl.log(DEBUG, fmt.Sprintf(format, args...), nil)
	}
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.log(ERROR, fmt.Sprintf(format, args...), nil)
}
