package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true, Errors: []string{}}, tel.Health())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_WithInjectedExporters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Metrics.Enabled = false

	spans := tracetest.NewInMemoryExporter()

	tel, err := New(context.Background(), cfg, WithTraceExporter(spans))
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	_, span := tel.Tracer("test").Start(context.Background(), "turn")
	span.End()
	require.NoError(t, tel.ForceFlush(context.Background()))

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "turn", got[0].Name)
	assert.True(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.LoggerProvider()
		tel.SetLoggerProvider(nil)
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.True(t, health.Degraded)
}

func TestTelemetry_ShutdownMarksUnhealthy(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "s")
	span.End()

	require.NoError(t, tt.Shutdown(context.Background()))
	assert.False(t, tt.Health().Healthy)
}

func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()
	tracer := tt.Tracer("test")

	_, a := tracer.Start(context.Background(), "evaluation.fanout")
	a.SetAttributes(
		attribute.String("conversation.id", "c1"),
		attribute.Int64("phase", 2),
		attribute.Bool("task.completed", true),
	)
	a.End()

	_, b := tracer.Start(context.Background(), "phase.advance")
	b.End()

	assert.Len(t, tt.Spans(), 2)
	tt.AssertSpanExists(t, "phase.advance")
	tt.AssertSpanAttribute(t, "evaluation.fanout", "conversation.id", "c1")
	tt.AssertSpanAttribute(t, "evaluation.fanout", "phase", int64(2))
	tt.AssertSpanAttribute(t, "evaluation.fanout", "task.completed", true)
	assert.Nil(t, tt.SpanByName("missing"))

	tt.Reset()
	assert.Empty(t, tt.Spans())

	_, c := tracer.Start(context.Background(), "turn")
	c.End()
	assert.Len(t, tt.Spans(), 1)
}

func TestTestTelemetry_Metrics(t *testing.T) {
	tt := NewTestTelemetry()

	counter, err := tt.Meter("test").Int64Counter("turnd.turns")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, tt.MetricReader.Collect(context.Background()))
	assert.True(t, tt.MetricReader.HasMetric("turnd.turns"))
	assert.False(t, tt.MetricReader.HasMetric("turnd.other"))
}
