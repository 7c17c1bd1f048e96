package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthHandler(t *testing.T) {
	srv := New(DefaultConfig(), zerolog.Nop())

	rec := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "dev", status.Version)
	assert.NotEmpty(t, status.Uptime)
}

func TestServer_HealthHandler_Unhealthy(t *testing.T) {
	srv := New(DefaultConfig(), zerolog.Nop())
	srv.RegisterHealthCheck("store", func() (bool, string) { return true, "" })
	srv.RegisterHealthCheck("transport", func() (bool, string) { return false, "disconnected" })

	rec := get(t, srv, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "ok", status.Checks["store"])
	assert.Equal(t, "disconnected", status.Checks["transport"])
}

func TestServer_ReadinessTracksCache(t *testing.T) {
	srv := New(DefaultConfig(), zerolog.Nop())

	var primed atomic.Bool
	srv.RegisterReadinessCheck("secret_cache", Readiness(primed.Load, "cache not primed"))

	rec := get(t, srv, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "secret_cache")

	// A warming cache is reported but does not make the process unhealthy.
	rec = get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "cache not primed", status.Checks["secret_cache"])

	primed.Store(true)
	rec = get(t, srv, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestServer_ReadyRequiresHealthChecks(t *testing.T) {
	srv := New(DefaultConfig(), zerolog.Nop())
	srv.RegisterHealthCheck("store", func() (bool, string) { return false, "down" })

	rec := get(t, srv, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_LiveHandler(t *testing.T) {
	srv := New(DefaultConfig(), zerolog.Nop())
	rec := get(t, srv, "/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}

func TestServer_MetricsHandler(t *testing.T) {
	srv := New(DefaultConfig(), zerolog.Nop())
	rec := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestServer_Run(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := New(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !strings.HasSuffix(srv.Addr(), ":0")
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/live")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "alive", string(body))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServer_RunListenError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "256.0.0.1:bad"
	srv := New(cfg, zerolog.Nop())
	assert.Error(t, srv.Run(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, "/health", cfg.HealthPath)
	assert.Equal(t, "/ready", cfg.ReadyPath)
	assert.Equal(t, "/live", cfg.LivePath)
}

func TestServer_Addr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = ":8080"
	srv := New(cfg, zerolog.Nop())
	assert.Equal(t, ":8080", srv.Addr())
}
