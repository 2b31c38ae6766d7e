package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/turnd/internal/config"
	"github.com/fyrsmithlabs/turnd/internal/logging"
)

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = port
	cfg.Server.ShutdownTimeout = config.Duration(2 * time.Second)
	cfg.Oracle.Provider = "openai"
	cfg.Oracle.APIKey = "test-key"
	cfg.Oracle.BaseURL = "http://127.0.0.1:1/v1"
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "turnd.db")
	require.NoError(t, cfg.Validate())
	return cfg
}

func runAndCheck(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg)
	}()

	url := fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}

func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	runAndCheck(t, testConfig(t, 18084))
}

func TestRunWithEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	cfg := testConfig(t, 18085)
	cfg.Events.Enabled = true
	cfg.Events.URL = ns.ClientURL()
	runAndCheck(t, cfg)
}

func TestInitDependenciesRejectsBadCatalog(t *testing.T) {
	cfg := testConfig(t, 18086)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := initDependencies(context.Background(), cfg, logging.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog")
}
