package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestWithConversationID_RejectsInvalid(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "abc-123", ConversationIDFromContext(WithConversationID(ctx, "abc-123")))
	assert.Empty(t, ConversationIDFromContext(WithConversationID(ctx, "")))
	assert.Empty(t, ConversationIDFromContext(WithConversationID(ctx, "a b")))
	assert.Empty(t, ConversationIDFromContext(WithConversationID(ctx, "x\n{\"level\":\"error\"}")))
	assert.Empty(t, ConversationIDFromContext(WithConversationID(ctx, strings.Repeat("a", maxIDLen+1))))
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx = trace.ContextWithSpanContext(ctx, sc)
	ctx = WithConversationID(ctx, "c1")
	ctx = WithRequestID(ctx, "req-7")

	keys := map[string]string{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", keys["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", keys["span_id"])
	assert.Equal(t, "c1", keys["conversation.id"])
	assert.Equal(t, "req-7", keys["request.id"])
	_, hasTurn := keys["turn.id"]
	assert.False(t, hasTurn)
}
