package httpserver_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onexay/gitstore/internal/config"
	"github.com/onexay/gitstore/internal/httpserver"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: time.Second,
			RequestTimeout:  time.Minute,
		},
		Storage: config.StorageConfig{Root: t.TempDir(), ExtractConcurrency: 5},
		Git: config.GitConfig{
			Binary:             "git",
			DefaultAuthorName:  "gitstore",
			DefaultAuthorEmail: "gitstore@localhost",
		},
		Lock:    config.LockConfig{Backend: config.LockBackendMemory},
		Auth:    config.AuthConfig{PublicKey: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))},
		CORS:    config.CORSConfig{AllowedOrigins: []string{"*"}},
		Metrics: config.MetricsConfig{Enabled: true, Addr: "127.0.0.1:0"},
	}
}

func serve(h http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerWiring(t *testing.T) {
	srv, err := httpserver.NewServer(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	api := srv.Handler()

	rec := serve(api, http.MethodPost, "/merchant", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(api, http.MethodOptions, "/merchant/tree/a.txt", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(api, http.MethodPost, "/merchant/tree/a.txt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ops := srv.MetricsHandler()
	require.NotNil(t, ops)

	rec = serve(ops, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `gitstore_http_requests_total{method="POST",route="/{tenant}",status="201"} 1`)
	assert.Contains(t, body, "gitstore_storage_tenants_provisioned_total 1")
	assert.Contains(t, body, "go_goroutines")

	rec = serve(ops, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(ops, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimiter = config.RateLimiterConfig{Enabled: true, RequestsPerSecond: 0.1, BurstSize: 1}
	cfg.Metrics.Enabled = false

	srv, err := httpserver.NewServer(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, srv.MetricsHandler())

	rec := serve(srv.Handler(), http.MethodPost, "/merchant", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = serve(srv.Handler(), http.MethodPost, "/merchant", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServerRedisLocks(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)

	cfg := testConfig(t)
	cfg.Lock = config.LockConfig{Backend: config.LockBackendRedis, TTL: time.Second, RetryInterval: 5 * time.Millisecond}
	cfg.Redis = config.RedisConfig{Addr: mini.Addr()}

	srv, err := httpserver.NewServer(cfg, zap.NewNop())
	require.NoError(t, err)

	rec := serve(srv.Handler(), http.MethodPost, "/merchant", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, mini.Keys())

	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestServerRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.PublicKey = "not a key"
	_, err := httpserver.NewServer(cfg, zap.NewNop())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Lock = config.LockConfig{Backend: config.LockBackendRedis, TTL: time.Second}
	cfg.Redis = config.RedisConfig{Addr: "127.0.0.1:1"}
	_, err = httpserver.NewServer(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestServerRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	cfg.Metrics.Enabled = false

	srv, err := httpserver.NewServer(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Post("http://"+cfg.Server.Addr()+"/merchant", "text/plain", nil)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
