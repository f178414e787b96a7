// Package logging provides structured logging with automatic PII
// sanitization for NoiseGuard.
//
// A privacy core must not undo its own work through its logs: raw
// contributor ids, rule patterns, and pre-noise confidences are exactly
// the values the rest of the repository exists to protect, so the logger
// redacts them before any entry reaches an output.
//
// Key Features:
//   - Structured logging with JSON and text formats
//   - Automatic redaction of sensitive field names and inline patterns
//   - Component-based child loggers for subsystem attribution
//   - Thread-safe concurrent use
//   - Global logger convenience functions for composition roots
//
// Usage Example:
//
//	logger := logging.GetGlobalLogger().WithComponent("budget")
//	logger.Info("budget consumed", map[string]interface{}{
//		"epsilon": 0.3,
//		"level":   "medium",
//	})
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// LogLevel represents hierarchical logging levels for message filtering.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the uppercase level name.
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a level name. Invalid names return InfoLevel and an
// error describing the input.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// LogFormat selects between human-readable and machine-parseable output.
type LogFormat int

const (
	TextFormat LogFormat = iota
	JSONFormat
)

// LogEntry is a single structured log record.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config holds logger configuration.
type Config struct {
	Level            LogLevel
	Format           LogFormat
	Output           io.Writer
	EnableSanitizing bool
}

// DefaultConfig returns a production-safe default: info level, text
// format, stderr output, sanitization on.
func DefaultConfig() *Config {
	return &Config{
		Level:            InfoLevel,
		Format:           TextFormat,
		Output:           os.Stderr,
		EnableSanitizing: true,
	}
}

// sensitiveFieldNames lists field-name substrings whose values are always
// redacted. Raw contributor identifiers and pre-noise values head the
// list; credentials are covered in case storage adapters log their config.
var sensitiveFieldNames = []string{
	"user_id", "userid", "raw_id",
	"pattern",
	"original_confidence", "raw_confidence",
	"password", "secret", "token", "credential",
	"connection_string", "dsn",
}

// inlinePatterns matches sensitive values embedded inside message strings.
var inlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(user[_-]?id|password|token|secret)\s*[=:]\s*\S+`),
	regexp.MustCompile(`postgres(ql)?://\S+`),
}

const redacted = "[REDACTED]"

// Logger is a structured logger with automatic sensitive-data redaction.
// Safe for concurrent use.
type Logger struct {
	mu        sync.RWMutex
	level     LogLevel
	format    LogFormat
	output    io.Writer
	component string
	sanitize  bool
}

// NewLogger creates a logger from config. A nil config uses defaults.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:    config.Level,
		format:   config.Format,
		output:   output,
		sanitize: config.EnableSanitizing,
	}
}

// WithComponent returns a child logger tagging every entry with the given
// component name. The child shares the parent's output and settings.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:     l.level,
		format:    l.format,
		output:    l.output,
		component: component,
		sanitize:  l.sanitize,
	}
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, msg, fields)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, msg, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, msg, fields)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, msg, fields)
}

func (l *Logger) log(level LogLevel, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if level < l.level {
		return
	}

	if l.sanitize {
		msg = sanitizeMessage(msg)
		fields = sanitizeFields(fields)
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Component: l.component,
		Message:   msg,
		Fields:    fields,
	}

	switch l.format {
	case JSONFormat:
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
	default:
		l.writeText(entry)
	}
}

func (l *Logger) writeText(entry LogEntry) {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(entry.Level)
	b.WriteString("]")
	if entry.Component != "" {
		b.WriteString(" (")
		b.WriteString(entry.Component)
		b.WriteString(")")
	}
	b.WriteString(" ")
	b.WriteString(entry.Message)
	for k, v := range entry.Fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(l.output, b.String())
}

// sanitizeMessage redacts inline sensitive patterns in a message string.
func sanitizeMessage(msg string) string {
	for _, re := range inlinePatterns {
		msg = re.ReplaceAllString(msg, redacted)
	}
	return msg
}

// sanitizeFields returns a copy of fields with sensitive values redacted.
// Nested maps are sanitized recursively.
func sanitizeFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	clean := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if isSensitiveField(k) {
			clean[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			clean[k] = sanitizeFields(nested)
			continue
		}
		if s, ok := v.(string); ok {
			clean[k] = sanitizeMessage(s)
			continue
		}
		clean[k] = v
	}
	return clean
}

func isSensitiveField(name string) bool {
	lowered := strings.ToLower(name)
	for _, sensitive := range sensitiveFieldNames {
		if strings.Contains(lowered, sensitive) {
			return true
		}
	}
	return false
}

// Global logger management.

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitGlobalLogger installs the process-wide logger. Call once from the
// composition root.
func InitGlobalLogger(config *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = NewLogger(config)
}

// GetGlobalLogger returns the process-wide logger, creating a default one
// on first use.
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	if globalLogger != nil {
		defer globalMu.RUnlock()
		return globalLogger
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(DefaultConfig())
	}
	return globalLogger
}
