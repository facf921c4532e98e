package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDocumentedDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 1716, cfg.TCPPortMin)
	require.Equal(t, 1764, cfg.TCPPortMax)
	require.Equal(t, 1716, cfg.UDPPort)
	require.Equal(t, 5000*time.Millisecond, cfg.BroadcastInterval)
	require.True(t, cfg.Sync.AutoSync)
	require.Equal(t, 300000*time.Millisecond, cfg.Sync.SyncInterval)
	require.Equal(t, 10000*time.Millisecond, cfg.Sync.SilenceTimeout)
	require.False(t, cfg.Attachments.AutoDownload)
	require.Equal(t, 3, cfg.Attachments.MaxConcurrent)
	require.Equal(t, 100, cfg.Attachments.MaxSizeMB)
	require.NotEmpty(t, cfg.DeviceName, "auto device name must resolve to the hostname")
}

func TestLoadOverridesDefaultsFromYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
daemon:
  log_level: debug
kde_connect:
  device_name: my-desktop
sync:
  auto_sync: false
  silence_timeout: 5000
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "my-desktop", cfg.DeviceName)
	require.False(t, cfg.Sync.AutoSync)
	require.Equal(t, 5000*time.Millisecond, cfg.Sync.SilenceTimeout)
	// Untouched keys keep their defaults.
	require.Equal(t, 300000*time.Millisecond, cfg.Sync.SyncInterval)
}

func TestLoadRejectsMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvertedPortRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_port_min: 1764\ntcp_port_max: 1716\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
