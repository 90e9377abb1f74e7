// ABOUTME: Tests for the convo-gateway command helpers
// ABOUTME: Logger setup, probe address mapping and the readiness check

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/config"
)

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "test", rec["component"])
}

func TestSetupLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.With("component", "gateway").Debug("hello", "n", 3)

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "gateway")
	assert.Contains(t, out, "n=")
}

func TestGetConfigPath_Env(t *testing.T) {
	t.Setenv("CONVO_CONFIG", "/tmp/custom.yaml")
	assert.Equal(t, "/tmp/custom.yaml", getConfigPath())
}

func TestProbeAddr(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:8080":   "127.0.0.1:8080",
		":9000":          "127.0.0.1:9000",
		"[::]:8080":      "127.0.0.1:8080",
		"10.0.0.5:8080":  "10.0.0.5:8080",
		"not-an-address": "not-an-address",
	}
	for in, want := range tests {
		assert.Equal(t, want, probeAddr(in), in)
	}
}

func TestCheckReady(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/ready" {
			http.NotFound(w, r)
			return
		}
		if !ready.Load() {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready (2 connections)"))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")

	body, err := checkReady(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, "ready (2 connections)", body)

	ready.Store(false)
	_, err = checkReady(context.Background(), addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestIssueToken(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"

	token, err := issueToken(cfg, "u1", time.Hour)
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	subject, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", subject)
}

func TestIssueToken_AuthDisabled(t *testing.T) {
	_, err := issueToken(config.Default(), "u1", time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth is disabled")
}

func TestRunToken_ArgumentErrors(t *testing.T) {
	assert.ErrorContains(t, runToken(nil), "--user flag is required")
	assert.ErrorContains(t, runToken([]string{"--user"}), "--user requires a value")
	assert.ErrorContains(t, runToken([]string{"--user", "u1", "--ttl", "soon"}), "invalid --ttl")
	assert.ErrorContains(t, runToken([]string{"--bogus"}), "unknown argument")
}
