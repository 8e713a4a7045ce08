// Package logging provides structured logging with trace ID
// propagation: every engine call logs entry/exit carrying
// session_key/channel_code/rev fields.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys this package reads/writes.
type ContextKey string

const (
	// TraceIDKey is the context key for the request trace ID.
	TraceIDKey ContextKey = "trace_id"
	// ChannelCodeKey is the context key for the active channel code.
	ChannelCodeKey ContextKey = "channel_code"
)

// Logger wraps logrus.Logger with the kernel's service tag and structured
// helpers for its four write paths.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger with an explicit level and format ("json" or "text").
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
// "info"/"json".
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

// WithContext returns an entry carrying the service tag plus any trace ID
// and channel code found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if channelCode := ctx.Value(ChannelCodeKey); channelCode != nil {
		entry = entry.WithField("channel_code", channelCode)
	}
	return entry
}

// Entry returns a bare service-tagged entry, for callers with no context
// (worker loops between poll iterations, startup wiring).
func (l *Logger) Entry() *logrus.Entry {
	return l.Logger.WithField("service", l.service)
}

// NewTraceID generates a fresh trace ID.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID reads the trace ID from ctx, or "" if absent.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithChannelCode attaches a channel code to ctx.
func WithChannelCode(ctx context.Context, channelCode string) context.Context {
	return context.WithValue(ctx, ChannelCodeKey, channelCode)
}

// LogEngineCall logs entry/exit of one of the four write paths at info,
// carrying the fields every engine operation shares.
func (l *Logger) LogEngineCall(ctx context.Context, op, channelCode, sessionKey string, rev int64, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"op":           op,
		"channel_code": channelCode,
		"session_key":  sessionKey,
		"rev":          rev,
		"duration_ms":  duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("engine call failed")
		return
	}
	entry.Info("engine call completed")
}

// LogDirective logs a directive dispatch outcome.
func (l *Logger) LogDirective(ctx context.Context, topic, directiveID string, attempt int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"topic":        topic,
		"directive_id": directiveID,
		"attempt":      attempt,
	})
	if err != nil {
		entry.WithError(err).Error("directive handler failed")
		return
	}
	entry.Info("directive handler completed")
}

// LogRequest logs one HTTP request/response.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

var defaultLogger *Logger

// InitDefault sets the process-wide default Logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the process-wide default Logger, lazily initializing one
// if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("omniman", "info", "json")
	}
	return defaultLogger
}
