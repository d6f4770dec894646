package logging

import (
	"fmt"
	"strings"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelPanic LogLevel = "panic"
)

// Config holds logging configuration
type Config struct {
	AccessLogPath string // Upstream fetch log, discarded when empty
	AppLogPath    string // Application log, stdout when empty
	Level         LogLevel
	MaxSize       int64         // Rotation threshold for the application log
	VerifyEvery   time.Duration // How often the rotating writer re-checks its file
}

var (
	// App is the global application logger
	App *AppLogger
	// Access is the global upstream access logger
	Access AccessLogger
)

func init() {
	var err error

	App, err = NewAppLogger("", LogLevelInfo, 0, 0)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default app logger: %v", err))
	}

	Access, err = NewAccessLogger("")
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default access logger: %v", err))
	}
}

// ParseLevel converts a configuration string into a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogLevelDebug:
		return LogLevelDebug
	case LogLevelWarn:
		return LogLevelWarn
	case LogLevelError:
		return LogLevelError
	case LogLevelPanic:
		return LogLevelPanic
	default:
		return LogLevelInfo
	}
}

// Initialize sets up the global loggers
func Initialize(config *Config) error {
	level := config.Level
	if level == "" {
		level = LogLevelInfo
	}
	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	verify := config.VerifyEvery
	if verify <= 0 {
		verify = time.Minute
	}

	newAccess, err := NewAccessLogger(config.AccessLogPath)
	if err != nil {
		return fmt.Errorf("failed to initialize access logger: %w", err)
	}

	newApp, err := NewAppLogger(config.AppLogPath, level, maxSize, verify)
	if err != nil {
		return fmt.Errorf("failed to initialize app logger: %w", err)
	}

	Access = newAccess
	App = newApp

	return nil
}

// formatValue formats a value for logfmt, quoting if necessary
func formatValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " =\"") {
		s = strings.ReplaceAll(s, "\"", "\\\"")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}

// formatPairs renders keyvals as space separated logfmt pairs. A trailing key
// without a value is dropped.
func formatPairs(keyvals []interface{}) string {
	var parts []string
	for i := 0; i+1 < len(keyvals); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%s", toString(keyvals[i]), formatValue(toString(keyvals[i+1]))))
	}
	return strings.Join(parts, " ")
}
