package telemetry

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "turnd", cfg.ServiceName)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.Metrics.ExportInterval.Duration())
	require.NoError(t, cfg.Validate())
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "turnd-staging",
		Endpoint:        "otel.internal:4318",
		Protocol:        ProtocolHTTP,
		SampleRate:      0.25,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "turnd-staging", cfg.ServiceName)
	assert.Equal(t, "otel.internal:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, 0.25, cfg.SampleRate)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	enabled := func(mut func(*Config)) *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		mut(cfg)
		return cfg
	}

	tests := []struct {
		name   string
		cfg    *Config
		errMsg string
	}{
		{"disabled skips validation", &Config{}, ""},
		{"enabled defaults", enabled(func(*Config) {}), ""},
		{"missing endpoint", enabled(func(c *Config) { c.Endpoint = "" }), "endpoint is required"},
		{"missing service", enabled(func(c *Config) { c.ServiceName = "" }), "service name"},
		{"bad protocol", enabled(func(c *Config) { c.Protocol = "udp" }), "protocol"},
		{"insecure remote", enabled(func(c *Config) { c.Endpoint = "collector.example.com:4317" }), "insecure"},
		{"insecure loopback v6", enabled(func(c *Config) { c.Endpoint = "[::1]:4317" }), ""},
		{"insecure loopback url", enabled(func(c *Config) { c.Endpoint = "http://127.0.0.1:4318" }), ""},
		{"rate too high", enabled(func(c *Config) { c.SampleRate = 1.5 }), "sample rate"},
		{"zero export interval", enabled(func(c *Config) { c.Metrics.ExportInterval = 0 }), "export interval"},
		{"zero shutdown", enabled(func(c *Config) { c.ShutdownAfter = 0 }), "shutdown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("otel:4318"))
}
