package logging

import (
	"errors"
	"testing"

	"github.com/fyrsmithlabs/turnd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func encode(t *testing.T, enc zapcore.Encoder, fields ...zap.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, fields)
	require.NoError(t, err)
	return buf.String()
}

func newTestEncoder(t *testing.T) zapcore.Encoder {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)
	return enc
}

func TestRedactingEncoder_Fields(t *testing.T) {
	out := encode(t, newTestEncoder(t),
		zap.String("user_message", "I feel anxious about work"),
		zap.String("api_key", "AIza-very-secret"),
		zap.String("task_id", "p1_rapport"),
	)

	assert.NotContains(t, out, "anxious")
	assert.NotContains(t, out, "very-secret")
	assert.Contains(t, out, `"task_id":"p1_rapport"`)
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	out := encode(t, newTestEncoder(t),
		zap.String("error", "upstream said Bearer abc.def.ghi"),
		zap.String("detail", "key sk-ABCDEFGHIJKLMNOPQRSTUV leaked"),
	)
	assert.NotContains(t, out, "abc.def.ghi")
	assert.NotContains(t, out, "sk-ABCDEFGHIJKLMNOPQRSTUV")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactingEncoder_NonStringFields(t *testing.T) {
	out := encode(t, newTestEncoder(t),
		zap.Strings("user_message", []string{"I feel anxious"}),
		zap.Error(errors.New("upstream said Bearer abc.def.ghi")),
		zap.Int("message_count", 3),
	)
	assert.NotContains(t, out, "anxious")
	assert.NotContains(t, out, "abc.def.ghi")
	assert.Contains(t, out, `"message_count":3`)
}

func TestRedactingEncoder_CoreAndWithFields(t *testing.T) {
	var sink zaptest.Buffer
	core := zapcore.NewCore(newTestEncoder(t), &sink, zapcore.DebugLevel)
	logger := zap.New(core).With(zap.String("api_key", "AIza-very-secret"))

	logger.Info("turn", zap.String("user_message", "I feel anxious about work"))

	out := sink.String()
	assert.NotContains(t, out, "very-secret")
	assert.NotContains(t, out, "anxious")
	assert.Contains(t, out, `"msg":"turn"`)
}

func TestRedactingEncoder_KeepsLengthMarkers(t *testing.T) {
	out := encode(t, newTestEncoder(t), TextLen("reply", "hello there"))
	assert.Contains(t, out, `"reply":"[REDACTED:11]"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{})
	require.NoError(t, err)
	out := encode(t, enc, zap.String("content", "visible"))
	assert.Contains(t, out, "visible")
}

func TestRedactingEncoder_BadPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"("}})
	require.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(t.Context(), "oracle configured", Secret("api_key", config.Secret("abcdef")))

	entries := tl.All()
	require.Len(t, entries, 1)
	m, ok := entries[0].ContextMap()["api_key"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "[REDACTED:6]", m["api_key"])
}
