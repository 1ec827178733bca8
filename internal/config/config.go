// Package config loads the daemon's configuration, grounded on the
// teacher's internal/config: a viper.New()+SetConfigFile+ReadInConfig+
// Unmarshal loader, generalized from the teacher's process/group/cron
// config file to the daemon's own settings (socket, log pipeline, monitor,
// error log, optional history database).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// socketEnvVar overrides Config.SocketPath (the unix socket path or TCP bind
// address the control plane listens on), renamed from spec.md's
// BUN_PM_SOCKET per SPEC_FULL.md §9 (this project is not Bun-based). It does
// not move the endpoint-locator file, which stays at {DaemonDir}/daemon.sock.
const socketEnvVar = "PROCD_SOCKET"

// Config is the daemon's full runtime configuration.
type Config struct {
	DaemonDir string `mapstructure:"daemon_dir"`

	Network    string `mapstructure:"network"`     // "unix" or "tcp"
	SocketPath string `mapstructure:"socket_path"` // unix socket path, or tcp bind address ("host:port", 0 for an ephemeral port)

	ObsListen string `mapstructure:"obs_listen"`

	LogDir         string `mapstructure:"log_dir"`
	RingSize       int    `mapstructure:"ring_size"`
	PoolSize       int    `mapstructure:"pool_size"`
	MaxLogFileSize int64  `mapstructure:"max_log_file_size"`
	MaxLogBackups  int    `mapstructure:"max_log_backups"`

	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	MonitorMaxHistory int           `mapstructure:"monitor_max_history"`

	StopWait time.Duration `mapstructure:"stop_wait"`

	MaxErrorEntries int    `mapstructure:"max_error_entries"`
	ErrorLogFile    string `mapstructure:"error_log_file"`

	HistoryDB string `mapstructure:"history_db"`

	Version string `mapstructure:"-"`
}

// Default returns the daemon's built-in defaults, rooted at {home}/.procd
// per spec.md §6. The control plane binds a loopback TCP listener on an
// OS-assigned ephemeral port by default, per spec.md §6's endpoint locator
// contract ("contents are an ASCII decimal integer... clients open a
// loopback TCP connection to that port"); set Network to "unix" to switch to
// a local socket file instead.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".procd")
	return Config{
		DaemonDir:         dir,
		Network:           "tcp",
		SocketPath:        "127.0.0.1:0",
		ObsListen:         "127.0.0.1:9090",
		LogDir:            filepath.Join(dir, "logs"),
		RingSize:          1000,
		PoolSize:          4096,
		MaxLogFileSize:    10 * 1024 * 1024,
		MaxLogBackups:     10,
		MonitorInterval:   5 * time.Second,
		MonitorMaxHistory: 100,
		StopWait:          10 * time.Second,
		MaxErrorEntries:   1000,
		ErrorLogFile:      filepath.Join(dir, "errors.log"),
		HistoryDB:         filepath.Join(dir, "history.db"),
	}
}

// Load reads configPath (if non-empty) over the built-in defaults, then
// applies the PROCD_SOCKET environment override.
func Load(configPath string) (Config, error) {
	cfg := Default()
	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: unmarshal %s: %w", configPath, err)
		}
	}
	applyEnvOverride(&cfg)
	return cfg, nil
}

func applyEnvOverride(cfg *Config) {
	if v := os.Getenv(socketEnvVar); v != "" {
		cfg.SocketPath = v
	}
}
