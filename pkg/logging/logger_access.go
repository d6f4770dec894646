package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// AccessLogger records one line per upstream call.
type AccessLogger interface {
	// LogFetch logs an upstream fetch and its outcome
	LogFetch(method string, url string, outcome string, status int, details ...interface{})
	// LogAuth logs upstream authentication attempts
	LogAuth(login string, status string, details ...interface{})
}

type accessLogger struct {
	logger *log.Logger
	now    func() time.Time
}

// NewAccessLogger creates a new access logger
func NewAccessLogger(logPath string) (AccessLogger, error) {
	var writer io.Writer

	if logPath == "" {
		writer = io.Discard
	} else {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening access log file: %w", err)
		}
		writer = f
	}

	return NewAccessLoggerTo(writer), nil
}

// NewAccessLoggerTo creates an access logger on an arbitrary writer.
func NewAccessLoggerTo(w io.Writer) AccessLogger {
	return &accessLogger{
		logger: log.New(w, "", 0),
		now:    time.Now,
	}
}

func (l *accessLogger) LogFetch(method string, url string, outcome string, status int, details ...interface{}) {
	parts := []string{
		fmt.Sprintf("op=%s", formatValue(method)),
		fmt.Sprintf("url=%s", formatValue(url)),
		fmt.Sprintf("outcome=%s", formatValue(outcome)),
		fmt.Sprintf("status=%d", status),
	}
	if kv := formatPairs(details); kv != "" {
		parts = append(parts, kv)
	}
	l.write(parts)
}

func (l *accessLogger) LogAuth(login string, status string, details ...interface{}) {
	parts := []string{"op=LOGIN"}
	if login != "" {
		parts = append(parts, fmt.Sprintf("user=%s", formatValue(login)))
	}
	parts = append(parts, fmt.Sprintf("status=%s", formatValue(status)))
	if kv := formatPairs(details); kv != "" {
		parts = append(parts, kv)
	}
	l.write(parts)
}

func (l *accessLogger) write(parts []string) {
	timestamp := l.now().UTC().Format("2006-01-02 15:04:05 -0700")
	l.logger.Printf("%s %s", timestamp, strings.Join(parts, " "))
}
