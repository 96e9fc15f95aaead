package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/relaycopy/internal/cache"
	storemock "github.com/kiranshivaraju/relaycopy/internal/store/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock cache ──────────────────────────────────────────────────────────────

type testCache struct {
	pingErr error
}

func (c *testCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *testCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *testCache) Delete(_ context.Context, _ string) error                          { return nil }
func (c *testCache) Ping(_ context.Context) error                                      { return c.pingErr }
func (c *testCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var _ cache.Cache = (*testCache)(nil)

// ─── health handler tests ───────────────────────────────────────────────────

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(storemock.New(), &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthHandler_DatabaseDegraded(t *testing.T) {
	s := storemock.New()
	s.PingErr = errors.New("connection refused")
	h := healthHandler(s, &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "degraded", details["database"])
	assert.Equal(t, "ok", details["cache"])
}

func TestHealthHandler_CacheDegraded(t *testing.T) {
	h := healthHandler(storemock.New(), &testCache{pingErr: errors.New("redis down")})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "GATEWAY_BASE_URL"} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("GATEWAY_BASE_URL", "http://localhost:8081")
	t.Setenv("LOG_FILE", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
