package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/fyrsmithlabs/turnd/internal/http"
	"github.com/fyrsmithlabs/turnd/internal/session"
)

func execute(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSay(t *testing.T) {
	var got api.TurnRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversations/conv-1/turns", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(api.TurnResponse{Reply: "How did you sleep?", Phase: session.Phase1})
	}))
	defer srv.Close()

	t.Run("message argument", func(t *testing.T) {
		out, err := execute(t, srv, "", "say", "conv-1", "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Message)
		assert.Contains(t, out, "How did you sleep?")
	})

	t.Run("message from stdin", func(t *testing.T) {
		_, err := execute(t, srv, "  from stdin\n", "say", "conv-1", "-")
		require.NoError(t, err)
		assert.Equal(t, "from stdin", got.Message)
	})

	t.Run("empty stdin", func(t *testing.T) {
		_, err := execute(t, srv, "", "say", "conv-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no message")
	})
}

func TestSayReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"reply generation failed, please retry"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := execute(t, srv, "", "say", "conv-1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "please retry")
}

func TestSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(session.Session{
			ID:            "conv-1",
			Status:        session.SessionActive,
			Phase:         session.Phase2,
			MessageCount:  7,
			CurrentTaskID: "explore_work",
			Tasks: []session.Task{
				{ID: "explore_work", Part: session.Phase2, Status: session.StatusInProgress, Priority: session.PriorityHigh},
				{ID: "explore_sleep", Part: session.Phase2, Status: session.StatusPending, Priority: session.PriorityMedium},
			},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "", "session", "conv-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Phase:        2")
	assert.Contains(t, out, "Messages:     7")
	assert.Contains(t, out, "* [2] explore_work")
	assert.Contains(t, out, "  [2] explore_sleep")
}

func TestHealthAndModules(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok"})
	})
	mux.HandleFunc("/v1/modules", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"modules":[{"id":"rapport_building","name":"Rapport building"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execute(t, srv, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")

	out, err = execute(t, srv, "", "modules")
	require.NoError(t, err)
	assert.Contains(t, out, "rapport_building")
	assert.Contains(t, out, "Rapport building")
}
