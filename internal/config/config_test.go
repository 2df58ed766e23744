package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/chatmesh/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "S1", cfg.Server.Name)
	assert.Equal(t, 5*time.Second, cfg.Proxy.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Proxy.MaxMissed)
	assert.Zero(t, cfg.Server.ProxyRetry.MaxElapsed)
	assert.Zero(t, cfg.Server.ProxyRetry.MaxAttempts)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
server:
  name: S4
  sweep_interval: 250ms
  rate_limit:
    limit: 5
`), 0o600))
	t.Setenv("CHATMESH_SERVER_PROXY_ADDR", "10.0.0.9:9000")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "S4", cfg.Server.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.SweepInterval)
	assert.Equal(t, 5, cfg.Server.RateLimit.Limit)
	assert.Equal(t, time.Second, cfg.Server.RateLimit.Window)
	assert.Equal(t, "10.0.0.9:9000", cfg.Server.ProxyAddr)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
}

func TestValidate(t *testing.T) {
	t.Setenv("CHATMESH_SERVER_NAME", "server-one")
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfig)

	cfg := &Config{LogLevel: "info", Server: Server{Name: "S1", SweepInterval: time.Second}, Proxy: Proxy{HeartbeatInterval: 0, MaxMissed: 1}}
	assert.ErrorIs(t, cfg.Validate(), domain.ErrConfig)
}

func TestRetryPolicyDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	p := cfg.Server.PeerRetry.Policy()
	assert.Equal(t, 200*time.Millisecond, p.Initial)
	assert.Equal(t, 30*time.Second, p.MaxElapsed)
	assert.Zero(t, cfg.Server.ProxyRetry.Policy().MaxElapsed, "the proxy link is retried forever")
}
