// internal/logging/context.go
package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ConversationIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("conversation.id", id))
	}
	if id := TurnIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("turn.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

type conversationCtxKey struct{}
type turnCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidID reports whether id is safe to attach to log entries.
func ValidID(id string) bool {
	return id != "" && len(id) <= maxIDLen && utf8.ValidString(id) && idPattern.MatchString(id)
}

func withID(ctx context.Context, key any, id string) context.Context {
	if !ValidID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithConversationID attaches a conversation id. Invalid ids are ignored
// because they usually come straight from a request path.
func WithConversationID(ctx context.Context, id string) context.Context {
	return withID(ctx, conversationCtxKey{}, id)
}

// ConversationIDFromContext returns the conversation id, if any.
func ConversationIDFromContext(ctx context.Context) string {
	return idFrom(ctx, conversationCtxKey{})
}

// WithTurnID attaches a turn id.
func WithTurnID(ctx context.Context, id string) context.Context {
	return withID(ctx, turnCtxKey{}, id)
}

// TurnIDFromContext returns the turn id, if any.
func TurnIDFromContext(ctx context.Context) string {
	return idFrom(ctx, turnCtxKey{})
}

// WithRequestID attaches an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, if any.
func RequestIDFromContext(ctx context.Context) string {
	return idFrom(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
