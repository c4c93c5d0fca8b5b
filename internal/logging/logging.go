// Package logging provides structured logging for the service layer.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with service metadata and context-aware helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger for the named service.
// level is a logrus level name ("debug", "info", ...); format is "json" or "text".
func New(service, level, format string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if strings.EqualFold(strings.TrimSpace(format), "text") {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	return &Logger{Logger: base, service: service}
}

// NewDiscard returns a logger that drops everything. Used by tests and
// components constructed without a logger.
func NewDiscard() *Logger {
	l := New("discard", "panic", "json")
	l.SetOutput(io.Discard)
	return l
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns an entry carrying the service name plus any trace,
// user and role values found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if userID := GetUserID(ctx); userID != "" {
		entry = entry.WithField("user_id", userID)
	}
	if role := GetRole(ctx); role != "" {
		entry = entry.WithField("role", role)
	}
	return entry
}

// WithFields returns an entry with the service name and the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithFields(logrus.Fields(fields))
}

// WithError returns an entry with the service name and err attached.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithError(err)
}

// LogRequest logs a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})

	switch {
	case status >= 500:
		entry.Error("HTTP request failed")
	case status >= 400:
		entry.Warn("HTTP request rejected")
	default:
		entry.Info("HTTP request")
	}
}

// LogSecurityEvent logs a security relevant event such as a rejected token
// or an exceeded rate limit.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, details map[string]interface{}) {
	l.WithContext(ctx).
		WithField("security_event", event).
		WithFields(logrus.Fields(details)).
		Warn("Security event")
}
