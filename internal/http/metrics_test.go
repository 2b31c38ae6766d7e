package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: logging.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/v1/conversations/:id/turns", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"reply": "hi"})
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodPost, "/v1/conversations/a/turns"},
		{http.MethodPost, "/v1/conversations/b/turns"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			if md.Name != "turnd.http.requests_total" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			byRoute := map[string]int64{}
			for _, dp := range sum.DataPoints {
				route, _ := dp.Attributes.Value(attribute.Key("route"))
				byRoute[route.AsString()] += dp.Value
			}
			assert.Equal(t, int64(2), byRoute["/v1/conversations/:id/turns"], "conversation ids are not labels")
			assert.Equal(t, int64(1), byRoute["/health"])
		}
	}

	assert.True(t, found["turnd.http.requests_total"])
	assert.True(t, found["turnd.http.request_duration_seconds"])
	assert.True(t, found["turnd.http.response_size_bytes"])
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/health", "/health"},
		{"/v1/conversations/:id/turns", "/v1/conversations/:id/turns"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input))
	}
}
