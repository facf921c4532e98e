// Package config loads the daemon's YAML configuration, mapping the
// external snake_case surface onto the camelCase fields the rest of the
// daemon consumes, and resolving the platform-conditional data directory
// (spec.md §6).
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/xerrors"
	"gopkg.in/yaml.v3"
)

// Sync holds the sync orchestrator's tunables.
type Sync struct {
	AutoSync       bool          `yaml:"auto_sync"`
	SyncInterval   time.Duration `yaml:"-"`
	SilenceTimeout time.Duration `yaml:"-"`

	SyncIntervalMs   int64 `yaml:"sync_interval"`
	SilenceTimeoutMs int64 `yaml:"silence_timeout"`
}

// Attachments holds the attachment-transfer tunables (interface-level
// only; the transfer itself is out of scope).
type Attachments struct {
	AutoDownload bool `yaml:"auto_download"`
	MaxConcurrent int  `yaml:"max_concurrent"`
	MaxSizeMB     int  `yaml:"max_size_mb"`
}

// raw mirrors the YAML document's snake_case shape exactly; Config is the
// camelCase, duration-typed form the rest of the daemon consumes.
type raw struct {
	Daemon struct {
		LogLevel string `yaml:"log_level"`
	} `yaml:"daemon"`
	KDEConnect struct {
		DeviceName string `yaml:"device_name"`
	} `yaml:"kde_connect"`
	TCPPortMin        int   `yaml:"tcp_port_min"`
	TCPPortMax        int   `yaml:"tcp_port_max"`
	UDPPort           int   `yaml:"udp_port"`
	BroadcastInterval int64 `yaml:"broadcast_interval"`
	Sync              Sync  `yaml:"sync"`
	Attachments       Attachments `yaml:"attachments"`
}

// Config is the resolved, daemon-internal configuration.
type Config struct {
	LogLevel          string
	DeviceName        string
	TCPPortMin        int
	TCPPortMax        int
	UDPPort           int
	BroadcastInterval time.Duration
	Sync              Sync
	Attachments       Attachments
	DataDir           string
}

func defaults() raw {
	var r raw
	r.Daemon.LogLevel = "info"
	r.KDEConnect.DeviceName = "auto"
	r.TCPPortMin = 1716
	r.TCPPortMax = 1764
	r.UDPPort = 1716
	r.BroadcastInterval = 5000
	r.Sync.AutoSync = true
	r.Sync.SyncIntervalMs = 300000
	r.Sync.SilenceTimeoutMs = 10000
	r.Attachments.AutoDownload = false
	r.Attachments.MaxConcurrent = 3
	r.Attachments.MaxSizeMB = 100
	return r
}

// Load reads and parses the YAML file at path, applying documented
// defaults for any field the file omits. A missing file is not an error:
// it yields pure defaults, matching the daemon's zero-config bring-up.
func Load(path string) (Config, error) {
	r := defaults()

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, xerrors.NewConfigError(xerrors.ConfigNotFound, "read config file", err)
		}
	} else if err := yaml.Unmarshal(b, &r); err != nil {
		return Config{}, xerrors.NewConfigError(xerrors.ConfigParseError, "parse config yaml", err)
	}

	deviceName := r.KDEConnect.DeviceName
	if deviceName == "" || deviceName == "auto" {
		if host, err := os.Hostname(); err == nil {
			deviceName = host
		} else {
			deviceName = "xyzconnect-desktop"
		}
	}

	dataDir, err := DefaultDataDir()
	if err != nil {
		return Config{}, xerrors.NewConfigError(xerrors.ConfigValidationError, "resolve data directory", err)
	}

	cfg := Config{
		LogLevel:          r.Daemon.LogLevel,
		DeviceName:        deviceName,
		TCPPortMin:        r.TCPPortMin,
		TCPPortMax:        r.TCPPortMax,
		UDPPort:           r.UDPPort,
		BroadcastInterval: time.Duration(r.BroadcastInterval) * time.Millisecond,
		Sync: Sync{
			AutoSync:       r.Sync.AutoSync,
			SyncInterval:   time.Duration(r.Sync.SyncIntervalMs) * time.Millisecond,
			SilenceTimeout: time.Duration(r.Sync.SilenceTimeoutMs) * time.Millisecond,
		},
		Attachments: r.Attachments,
		DataDir:     dataDir,
	}

	if cfg.TCPPortMin < 1 || cfg.TCPPortMax < cfg.TCPPortMin {
		return Config{}, xerrors.NewConfigError(xerrors.ConfigValidationError, "tcp port range is invalid", nil)
	}

	return cfg, nil
}

// DefaultDataDir resolves the daemon's platform-conditional data
// directory: $HOME/.xyzconnect on Linux/macOS, %APPDATA%/xyzconnect on
// Windows.
func DefaultDataDir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", xerrors.NewConfigError(xerrors.ConfigValidationError, "APPDATA is not set", nil)
		}
		return filepath.Join(appData, "xyzconnect"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", xerrors.NewConfigError(xerrors.ConfigValidationError, "resolve home directory", err)
	}
	return filepath.Join(home, ".xyzconnect"), nil
}
