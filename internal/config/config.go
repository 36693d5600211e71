// Package config holds the persistent, user-facing settings described in
// spec.md §6 ("Configurable options"). It follows the load/save shape of
// the teacher's own internal/config package, extended with every tunable
// the transfer and session layers need.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds every tunable named in spec.md §6, with its stated default.
type Config struct {
	TCPPort             int           `json:"tcp_port"`
	UDPPort             int           `json:"udp_port"`
	ChunkSize           int64         `json:"chunk_size"`
	AckTimeout          time.Duration `json:"ack_timeout"`
	MaxRetry            int           `json:"max_retry"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `json:"heartbeat_timeout"`
	ReconnectInterval   time.Duration `json:"reconnect_interval"`
	MaxReconnectAttempt int           `json:"max_reconnect_attempts"`
	StateSyncInterval   time.Duration `json:"state_sync_interval"`
	ChunksPerSync       int           `json:"chunks_per_sync"`
	DiscoveryTimeout    time.Duration `json:"discovery_timeout"`
	ConnectTimeout      time.Duration `json:"connect_timeout"`
	DownloadDir         string        `json:"download_dir"`
}

// Default returns the configuration defaults from spec.md §6.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		TCPPort:             9527,
		UDPPort:             9528,
		ChunkSize:           65536,
		AckTimeout:          60 * time.Second,
		MaxRetry:            3,
		HeartbeatInterval:   10 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		ReconnectInterval:   5 * time.Second,
		MaxReconnectAttempt: 5,
		StateSyncInterval:   5 * time.Second,
		ChunksPerSync:       50,
		DiscoveryTimeout:    3 * time.Second,
		ConnectTimeout:      5 * time.Second,
		DownloadDir:         filepath.Join(home, "Downloads"),
	}
}

// StateDir is the persisted-state root named in spec.md §6: <download_dir>/.lan_share.
func (c Config) StateDir() string {
	return filepath.Join(c.DownloadDir, ".lan_share")
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".lanshare")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the user config file, falling back to defaults for anything
// absent or if the file doesn't exist yet.
func Load() (Config, error) {
	cfg := Default()
	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to the user config file.
func Save(cfg Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
