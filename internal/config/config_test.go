package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Oracle.APIKey = "key"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 3, cfg.Engine.PoolSize)
	assert.Equal(t, 3, cfg.Engine.SupervisionInterval)
	assert.Equal(t, 6, cfg.Engine.SessionReviewInterval)
	assert.Equal(t, "gemini", cfg.Oracle.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.Oracle.Model)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 64, cfg.Jobs.QueueSize)
	assert.Equal(t, "turnd", cfg.Events.SubjectPrefix)
	assert.False(t, cfg.Events.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing api key", func(c *Config) { c.Oracle.APIKey = "" }, "oracle.api_key is required"},
		{"vertex needs project", func(c *Config) { c.Oracle.Provider = "vertex"; c.Oracle.APIKey = "" }, "oracle.project and oracle.location"},
		{"vertex ok", func(c *Config) {
			c.Oracle.Provider = "vertex"
			c.Oracle.Project = "p"
			c.Oracle.Location = "us-central1"
		}, ""},
		{"unknown provider", func(c *Config) { c.Oracle.Provider = "bard" }, "oracle.provider must be"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.http_port"},
		{"zero pool", func(c *Config) { c.Engine.PoolSize = 0 }, "engine.pool_size"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite" }, "store.path is required"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "firestore" }, "store.driver must be"},
		{"events without url", func(c *Config) { c.Events.Enabled = true }, "events.url is required"},
		{"bad sample rate", func(c *Config) { c.Observability.SampleRate = 2 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("sk-very-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-very-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(data))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("45s")))
	assert.Equal(t, 45*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
