package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronicle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Stream.HeartbeatTimeout)
	assert.Equal(t, 1024, cfg.Stream.MaxBufferSize)
	assert.True(t, cfg.ReconcileEnabled())
	assert.Equal(t, "fail", cfg.Reconcile.Action)
	assert.False(t, cfg.Retention.DeleteStreamOnCommit)
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadOverlay(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen_addr: ":9090"
  allowed_ws_origins: ["app.example.com"]
  shutdown_timeout: 5s
stream:
  heartbeat_interval: 10s
  heartbeat_timeout: 25s
  max_buffer_size: 64
reconcile:
  enabled: false
  interval: 30s
  stale_threshold: 2m
  action: cancel
retention:
  delete_stream_on_commit: true
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"app.example.com"}, cfg.Server.AllowedWSOrigins)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 10*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 25*time.Second, cfg.Stream.HeartbeatTimeout)
	assert.Equal(t, 64, cfg.Stream.MaxBufferSize)
	assert.False(t, cfg.ReconcileEnabled())
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Reconcile.StaleThreshold)
	assert.Equal(t, "cancel", cfg.Reconcile.Action)
	assert.True(t, cfg.Retention.DeleteStreamOnCommit)

	// Unset fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Stream.WriteTimeout)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("CHRONICLE_LISTEN", ":7070")
	cfg, err := Load(writeConfig(t, `
server:
  listen_addr: "{{.CHRONICLE_LISTEN}}"
`))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
}

func TestLoadBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
stream:
  heartbeat_interval: "not a duration"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.heartbeat_interval")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"heartbeat timeout below interval",
			"stream:\n  heartbeat_interval: 30s\n  heartbeat_timeout: 20s\n",
			"heartbeat_timeout",
		},
		{
			"zero buffer",
			"stream:\n  max_buffer_size: 0\n",
			"max_buffer_size",
		},
		{
			"unknown recover action",
			"reconcile:\n  action: explode\n",
			"reconcile.action",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadUnparseableYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not: a: mapping"))
	require.Error(t, err)
}
