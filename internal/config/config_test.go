package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 300*time.Second, cfg.Worker.Timeout())
	assert.Equal(t, 5*time.Second, cfg.Worker.KillGrace())
	assert.Equal(t, 100, cfg.Results.Capacity)
	assert.True(t, cfg.Results.RetainAfterEnd)
	assert.Equal(t, 1000, cfg.Results.MaxRetainedSessions)
	assert.Equal(t, 64, cfg.Push.QueueSize)
	assert.Equal(t, 25*time.Second, cfg.Push.Heartbeat())
	assert.True(t, cfg.Session.EndOnDisconnect)
	assert.Equal(t, "X-User-ID", cfg.Auth.Header)
	assert.Equal(t, "user", cfg.Auth.QueryParam)
	assert.Contains(t, cfg.Worker.Command, "{stream}")
}

func TestLoadWithPath_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9191
worker:
  command: "/usr/local/bin/analyze {stream}"
  timeoutMs: 1500
results:
  capacity: 20
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9191", cfg.Server.Addr())
	assert.Equal(t, "/usr/local/bin/analyze {stream}", cfg.Worker.Command)
	assert.Equal(t, 1500*time.Millisecond, cfg.Worker.Timeout())
	assert.Equal(t, 20, cfg.Results.Capacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWithPath_EnvOverride(t *testing.T) {
	t.Setenv("STREAMRELAY_WORKER_TIMEOUT_MS", "2500")
	t.Setenv("STREAMRELAY_AUTH_HEADER", "X-Owner")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.Worker.Timeout())
	assert.Equal(t, "X-Owner", cfg.Auth.Header)
}

func TestLoadWithPath_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 0
results:
  capacity: -1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "results.capacity")
}
