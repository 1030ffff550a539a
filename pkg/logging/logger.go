package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
)

// Logger is an interface for logging
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID returns a new context carrying the given request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID stored in the context, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ZeroLogger implements Logger using zerolog
type ZeroLogger struct {
	logger zerolog.Logger
	output io.Writer
	json   bool
	level  zerolog.Level
}

// Option configures a ZeroLogger
type Option func(*ZeroLogger)

// WithLevel sets the minimum level of the logger
func WithLevel(level string) Option {
	return func(l *ZeroLogger) {
		switch level {
		case "debug":
			l.level = zerolog.DebugLevel
		case "info":
			l.level = zerolog.InfoLevel
		case "warn":
			l.level = zerolog.WarnLevel
		case "error":
			l.level = zerolog.ErrorLevel
		default:
			l.level = zerolog.InfoLevel
		}
	}
}

// WithOutput sets the writer log lines are written to
func WithOutput(w io.Writer) Option {
	return func(l *ZeroLogger) {
		l.output = w
	}
}

// WithJSON switches from the console writer to plain JSON lines
func WithJSON(enabled bool) Option {
	return func(l *ZeroLogger) {
		l.json = enabled
	}
}

// New creates a new ZeroLogger
func New(options ...Option) *ZeroLogger {
	l := &ZeroLogger{
		output: os.Stdout,
		level:  zerolog.InfoLevel,
	}
	for _, option := range options {
		option(l)
	}

	out := l.output
	if !l.json {
		out = zerolog.ConsoleWriter{Out: l.output, TimeFormat: time.RFC3339}
	}
	l.logger = zerolog.New(out).With().Timestamp().Logger().Level(l.level)
	return l
}

// NewNop returns a logger that discards everything
func NewNop() *ZeroLogger {
	return &ZeroLogger{logger: zerolog.Nop(), output: io.Discard, level: zerolog.Disabled}
}

// Info logs an info message
func (l *ZeroLogger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(ctx, l.logger.Info(), msg, fields)
}

// Warn logs a warning message
func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(ctx, l.logger.Warn(), msg, fields)
}

// Error logs an error message
func (l *ZeroLogger) Error(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(ctx, l.logger.Error(), msg, fields)
}

// Debug logs a debug message
func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(ctx, l.logger.Debug(), msg, fields)
}

func (l *ZeroLogger) write(ctx context.Context, event *zerolog.Event, msg string, fields map[string]interface{}) {
	if event == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Add trace ID if available
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		event = event.Str("trace_id", sc.TraceID().String())
	}

	if requestID := RequestID(ctx); requestID != "" {
		event = event.Str("request_id", requestID)
	}

	// Add organization ID if available
	if orgID, err := multitenancy.GetOrgID(ctx); err == nil {
		event = event.Str("org_id", orgID)
	}

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg(msg)
}
