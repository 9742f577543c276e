package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the daemon's environment-driven configuration.
type Config struct {
	HTTPPort      int
	DiscoveryPort int
	DeviceName    string
	DataDir       string
	GinMode       string

	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	SyncInterval      time.Duration
	SyncDebounce      time.Duration

	PairingDuration     time.Duration
	PairingCodeValidity time.Duration
	PairingCodeGrace    time.Duration
}

// Env abstracts os.Getenv so config loading is testable.
type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		HTTPPort:            7353,
		DiscoveryPort:       7354,
		GinMode:             "release",
		BroadcastInterval:   5 * time.Second,
		PeerTimeout:         15 * time.Second,
		SyncInterval:        30 * time.Second,
		SyncDebounce:        2 * time.Second,
		PairingDuration:     2 * time.Minute,
		PairingCodeValidity: 30 * time.Second,
		PairingCodeGrace:    5 * time.Second,
	}

	var err error
	if cfg.HTTPPort, err = portVar(env, "SYNC_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.DiscoveryPort, err = portVar(env, "SYNC_DISCOVERY_PORT", cfg.DiscoveryPort); err != nil {
		return Config{}, err
	}

	cfg.DeviceName = env.Getenv("SYNC_DEVICE_NAME")
	if cfg.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "daybook-device"
		}
		cfg.DeviceName = host
	}

	cfg.DataDir = env.Getenv("SYNC_DATA_DIR")
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("SYNC_DATA_DIR is required when no home directory is available")
		}
		cfg.DataDir = filepath.Join(home, ".daybook-sync")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	if cfg.BroadcastInterval, err = secondsVar(env, "SYNC_BROADCAST_SECONDS", cfg.BroadcastInterval); err != nil {
		return Config{}, err
	}
	if cfg.PeerTimeout, err = secondsVar(env, "SYNC_PEER_TIMEOUT_SECONDS", cfg.PeerTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SyncInterval, err = secondsVar(env, "SYNC_INTERVAL_SECONDS", cfg.SyncInterval); err != nil {
		return Config{}, err
	}
	if cfg.SyncDebounce, err = secondsVar(env, "SYNC_DEBOUNCE_SECONDS", cfg.SyncDebounce); err != nil {
		return Config{}, err
	}
	if cfg.PairingDuration, err = secondsVar(env, "SYNC_PAIRING_SECONDS", cfg.PairingDuration); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func portVar(env Env, key string, fallback int) (int, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return port, nil
}

func secondsVar(env Env, key string, fallback time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

// IdentityPath, EventsPath and TrustedPeersPath locate the persisted state
// inside the data directory.
func (c Config) IdentityPath() string     { return filepath.Join(c.DataDir, "identity.json") }
func (c Config) EventsPath() string       { return filepath.Join(c.DataDir, "events.json") }
func (c Config) TrustedPeersPath() string { return filepath.Join(c.DataDir, "trusted_peers.json") }
