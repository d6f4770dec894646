package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	golog "github.com/fclairamb/go-log"
)

var levelOrder = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelPanic: 4,
}

// AppLogger implements the go-log.Logger interface
type AppLogger struct {
	level   LogLevel
	logger  *log.Logger
	writer  *RotatingWriter // nil if logging to stdout
	context []interface{}
	now     func() time.Time
}

// NewAppLogger creates a new application logger. When logPath is empty the
// logger writes to stdout and maxSize/verifyInterval are ignored.
func NewAppLogger(logPath string, level LogLevel, maxSize int64, verifyInterval time.Duration) (*AppLogger, error) {
	var writer io.Writer = os.Stdout
	var rotatingWriter *RotatingWriter

	if logPath != "" {
		rw, err := NewRotatingWriter(logPath, maxSize, verifyInterval)
		if err != nil {
			return nil, fmt.Errorf("creating rotating writer: %w", err)
		}
		writer = rw
		rotatingWriter = rw
	}

	return NewAppLoggerTo(writer, level, rotatingWriter), nil
}

// NewAppLoggerTo creates an application logger on an arbitrary writer.
func NewAppLoggerTo(w io.Writer, level LogLevel, rw *RotatingWriter) *AppLogger {
	return &AppLogger{
		level:  level,
		logger: log.New(w, "", 0), // No flags, we'll handle formatting ourselves
		writer: rw,
		now:    time.Now,
	}
}

func (l *AppLogger) shouldLog(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[l.level]
}

func (l *AppLogger) log(level LogLevel, message string, keyvals ...interface{}) {
	if !l.shouldLog(level) {
		return
	}

	all := make([]interface{}, 0, len(l.context)+len(keyvals))
	all = append(all, l.context...)
	all = append(all, keyvals...)

	timestamp := l.now().UTC().Format("2006-01-02 15:04:05 -0700")
	line := fmt.Sprintf("%s %s: %s", timestamp, level, message)
	if kv := formatPairs(all); kv != "" {
		line += " " + kv
	}
	l.logger.Print(line)
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}

	str := fmt.Sprintf("%v", v)
	str = strings.ReplaceAll(str, "\n", " ")
	str = strings.ReplaceAll(str, "\r", " ")
	str = strings.ReplaceAll(str, "\t", " ")
	return strings.Join(strings.Fields(str), " ")
}

// Debug implements go-log.Logger
func (l *AppLogger) Debug(message string, keyvals ...interface{}) {
	l.log(LogLevelDebug, message, keyvals...)
}

// Info implements go-log.Logger
func (l *AppLogger) Info(message string, keyvals ...interface{}) {
	l.log(LogLevelInfo, message, keyvals...)
}

// Warn implements go-log.Logger
func (l *AppLogger) Warn(message string, keyvals ...interface{}) {
	l.log(LogLevelWarn, message, keyvals...)
}

// Error implements go-log.Logger
func (l *AppLogger) Error(message string, keyvals ...interface{}) {
	l.log(LogLevelError, message, keyvals...)
}

// Panic implements go-log.Logger. It logs and does not panic.
func (l *AppLogger) Panic(message string, keyvals ...interface{}) {
	l.log(LogLevelPanic, message, keyvals...)
}

// With returns a logger that prefixes every entry with keyvals.
func (l *AppLogger) With(keyvals ...interface{}) golog.Logger {
	child := *l
	child.context = append(append([]interface{}{}, l.context...), keyvals...)
	return &child
}

// IsDebug returns true if the logger is at debug level
func (l *AppLogger) IsDebug() bool {
	return l.level == LogLevelDebug
}

// Close closes the logger and stops background rotation
func (l *AppLogger) Close() error {
	if l.writer != nil {
		return l.writer.Close()
	}
	return nil
}
