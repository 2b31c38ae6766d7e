package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the turnd config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "turnd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `server:
  http_port: 8088
engine:
  supervision_interval: 5
  evaluation_timeout: 10s
oracle:
  provider: openai
  model: gpt-4o
store:
  driver: sqlite
  path: /tmp/turnd.db
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	t.Setenv("TURND_ORACLE_API_KEY", "sk-test")
	t.Setenv("TURND_SERVER_HTTP_PORT", "9999")
	t.Setenv("TURND_JOBS_QUEUE_SIZE", "16")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port, "env overrides yaml")
	assert.Equal(t, 5, cfg.Engine.SupervisionInterval)
	assert.Equal(t, 10*time.Second, cfg.Engine.EvaluationTimeout.Duration())
	assert.Equal(t, "openai", cfg.Oracle.Provider)
	assert.Equal(t, "gpt-4o", cfg.Oracle.Model)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey.Value())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 16, cfg.Jobs.QueueSize)
	assert.Equal(t, 4, cfg.Jobs.Workers, "defaults fill the gaps")
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)
	t.Setenv("TURND_ORACLE_API_KEY", "key")

	cfg, err := LoadWithFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 1\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsOutsidePath(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile(filepath.Join(t.TempDir(), "config.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_ValidationFailure(t *testing.T) {
	dir := setupTestHome(t)
	t.Setenv("TURND_ORACLE_API_KEY", "")

	_, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle.api_key is required")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"TURND_SERVER_HTTP_PORT":            "server.http_port",
		"TURND_ENGINE_SUPERVISION_INTERVAL": "engine.supervision_interval",
		"TURND_ORACLE_API_KEY":              "oracle.api_key",
		"TURND_DEBUG":                       "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
