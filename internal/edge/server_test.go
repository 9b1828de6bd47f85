package edge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Tunnel.RequestTimeout = 2 * time.Second
	return NewServer(cfg)
}

func TestHealthWithoutTunnel(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Status string `json:"status"`
		Tunnel Status `json:"tunnel"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.False(t, payload.Tunnel.Connected)
}

func TestForwardWithoutTunnelReturns503(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var envelope map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "No active tunnel", envelope["error"])
	assert.NotEmpty(t, envelope["message"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Generate one observable failure first.
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "locallink_requests_total")
	assert.Contains(t, w.Body.String(), `outcome="no_tunnel"`)
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":3001", cfg.Listen.Addr)
	assert.Equal(t, "/connect", cfg.Tunnel.Path)
	assert.Equal(t, 30*time.Second, cfg.Tunnel.RequestTimeout)

	t.Setenv("PORT", "9090")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen.Addr)

	t.Setenv("PORT", "not-a-port")
	_, err = LoadConfig("")
	require.Error(t, err)
}
