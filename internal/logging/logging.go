// Package logging provides structured logging with trace ID propagation.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used to carry request-scoped
// identity through the logger.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	SAEIDKey   ContextKey = "sae_id"
	KMEIDKey   ContextKey = "kme_id"
)

// Logger wraps logrus.Logger with service-scoped structured helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger for the given service with an explicit level/format.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns an entry carrying trace/SAE/KME identifiers found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if saeID := GetSAEID(ctx); saeID != "" {
		entry = entry.WithField("sae_id", saeID)
	}
	if kmeID := GetKMEID(ctx); kmeID != "" {
		entry = entry.WithField("kme_id", kmeID)
	}
	return entry
}

// WithFields returns an entry with custom fields plus the service tag.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError returns an entry carrying the error and service tag.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": err.Error()})
}

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string { return uuid.New().String() }

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithSAEID(ctx context.Context, saeID string) context.Context {
	return context.WithValue(ctx, SAEIDKey, saeID)
}

func GetSAEID(ctx context.Context) string {
	if v, ok := ctx.Value(SAEIDKey).(string); ok {
		return v
	}
	return ""
}

func WithKMEID(ctx context.Context, kmeID string) context.Context {
	return context.WithValue(ctx, KMEIDKey, kmeID)
}

func GetKMEID(ctx context.Context) string {
	if v, ok := ctx.Value(KMEIDKey).(string); ok {
		return v
	}
	return ""
}

// LogRequest logs one completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogKeyOperation logs a key-lifecycle event (generate/reserve/consume).
func (l *Logger) LogKeyOperation(ctx context.Context, operation, keyID string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"operation": operation,
		"key_id":    keyID,
	})
	if err != nil {
		entry.WithError(err).Error("key operation failed")
		return
	}
	entry.Debug("key operation completed")
}

// LogSyncOutcome logs one Local KM sync attempt.
func (l *Logger) LogSyncOutcome(ctx context.Context, reason string, usersSynced, keysDelivered int, fallback bool, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"reason":         reason,
		"users_synced":   usersSynced,
		"keys_delivered": keysDelivered,
		"fallback":       fallback,
	})
	if err != nil {
		entry.WithError(err).Warn("sync completed with error")
		return
	}
	entry.Info("sync completed")
}

// LogSecurityEvent logs an auth/identity related event.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{"event_type": eventType, "severity": "security"}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

var defaultLogger *Logger

// InitDefault initializes the package-wide default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the package-wide logger, lazily creating a fallback one.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info", "json")
	}
	return defaultLogger
}
