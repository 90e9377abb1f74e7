// ABOUTME: Tests for Gateway construction, health endpoints, metrics and lifecycle
// ABOUTME: Shared helpers build gateways over MockStore and serve them with httptest

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convo-gateway/internal/config"
	"github.com/2389/convo-gateway/internal/store"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns defaults with test-friendly timings.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Gateway.DispatchTimeout = 2 * time.Second
	cfg.Metrics.Enabled = true
	return cfg
}

// newTestGateway wires a gateway around s. mutate may adjust the config first.
func newTestGateway(t *testing.T, s store.Store, mutate func(*config.Config)) *Gateway {
	t.Helper()

	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	gw, err := newGateway(cfg, s, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// startTestServer serves gw over a real listener for socket tests.
func startTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReady(t *testing.T) {
	ms := store.NewMockStore()
	gw := newTestGateway(t, ms, nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready (0 connections)")

	ms.SetPingError(store.ErrUnavailable)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ms := store.NewMockStore()
	gw := newTestGateway(t, ms, nil)
	conv := createDirect(t, gw, "u1", "u2")

	rec := postJSON(t, gw, "/api/conversations/"+conv.ID+"/messages", map[string]any{
		"senderId": "u1",
		"content":  "hi",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "convo_connections_active 0")
	assert.Contains(t, body, `convo_messages_persisted_total{path="http"} 1`)
	assert.Contains(t, body, "go_goroutines ")
	assert.Contains(t, body, "go_memstats_alloc_bytes ")
}

func TestMetricsDisabled(t *testing.T) {
	gw := newTestGateway(t, store.NewMockStore(), func(cfg *config.Config) {
		cfg.Metrics.Enabled = false
	})

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNew_SQLite(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	_, ok := gw.store.(*store.SQLiteStore)
	assert.True(t, ok, "default driver should be sqlite")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "postgres"

	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database driver")
}

func TestNew_WeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := newGateway(cfg, store.NewMockStore(), testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating JWT verifier")
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	gw, err := newGateway(testConfig(t), store.NewMockStore(), testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestShutdown_ClosesConnections(t *testing.T) {
	gw, err := newGateway(testConfig(t), store.NewMockStore(), testLogger())
	require.NoError(t, err)
	srv := startTestServer(t, gw)

	c := dial(t, srv, nil)
	require.Eventually(t, func() bool { return gw.conns.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, isGoingAway(err), "expected going-away close, got %v", err)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil), "empty list keeps the same-origin default")

	anyOrigin := originChecker([]string{"*"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.True(t, anyOrigin(r))

	listed := originChecker([]string{"https://app.example"})
	assert.False(t, listed(r))
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, listed(r))
	r.Header.Del("Origin")
	assert.True(t, listed(r), "non-browser clients send no Origin")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"not found", store.ErrNotFound, codeNotFound, http.StatusNotFound},
		{"unavailable", store.ErrUnavailable, codeStoreUnavailable, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, codeStoreUnavailable, http.StatusServiceUnavailable},
		{"dispatch timeout", fmt.Errorf("%w after 5s", errDispatchTimeout), codeTimeout, http.StatusGatewayTimeout},
		{"other", io.ErrUnexpectedEOF, codeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, status := classify(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	err := io.ErrUnexpectedEOF
	assert.Equal(t, "internal server error", publicMessage(codeInternal, err))
	assert.False(t, strings.Contains(publicMessage(codeStoreUnavailable, err), "EOF"))
	assert.Equal(t, err.Error(), publicMessage(codeInvalidMessage, err))
}
