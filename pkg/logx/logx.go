package logx

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger provides structured, component-scoped logging for all posmux
// components. Output is JSON, one object per line, suitable for log
// collectors.
type Logger struct {
	logger    *logrus.Logger
	component string
}

// NewLogger creates a logger for the given component at the given level.
// Accepted levels: trace, debug, info, warn, error. Unknown levels fall
// back to info.
func NewLogger(level, component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	l.SetLevel(parseLevel(level))

	return &Logger{
		logger:    l,
		component: component,
	}
}

// SetLevel changes the log level at runtime (e.g. on SIGHUP reload).
func (l *Logger) SetLevel(level string) {
	l.logger.SetLevel(parseLevel(level))
}

// SetOutputFile appends log output to the given file instead of stdout. An
// empty path keeps the current output.
func (l *Logger) SetOutputFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.logger.SetOutput(f)
	return nil
}

// GetLevel returns the current level as a string.
func (l *Logger) GetLevel() string {
	return l.logger.GetLevel().String()
}

// Component returns the component name this logger was created with.
func (l *Logger) Component() string {
	return l.component
}

// Trace logs at trace level with alternating key/value fields.
func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Trace(msg)
}

// Debug logs at debug level with alternating key/value fields.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

// Info logs at info level with alternating key/value fields.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Info(msg)
}

// Warn logs at warn level with alternating key/value fields.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

// Error logs at error level with alternating key/value fields.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}

// LogVerbose logs a named event with a structured field map at info level.
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.logger.WithFields(l.withComponent(fields)).WithField("event", event).Info(event)
}

// LogDebugVerbose logs a named event with a structured field map at debug
// level. Used for high-volume diagnostics that stay silent in production.
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.logger.WithFields(l.withComponent(fields)).WithField("event", event).Debug(event)
}

// LogStateChange records a state transition with from/to/reason fields.
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	merged := l.withComponent(fields)
	merged["state_component"] = component
	merged["from"] = from
	merged["to"] = to
	merged["reason"] = reason
	l.logger.WithFields(merged).Info("state_change")
}

// entry builds a logrus entry from alternating key/value arguments. A single
// map[string]interface{} argument is accepted as a field map directly. A
// trailing key without a value is logged under the key itself.
func (l *Logger) entry(keysAndValues []interface{}) *logrus.Entry {
	if len(keysAndValues) == 1 {
		if m, ok := keysAndValues[0].(map[string]interface{}); ok {
			return l.logger.WithFields(l.withComponent(m))
		}
	}

	fields := logrus.Fields{"component": l.component}
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(keysAndValues) {
			fields[key] = keysAndValues[i+1]
		} else {
			fields[key] = ""
		}
	}
	return l.logger.WithFields(fields)
}

// withComponent copies the field map and stamps the component name on it.
func (l *Logger) withComponent(fields map[string]interface{}) logrus.Fields {
	merged := logrus.Fields{"component": l.component}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
