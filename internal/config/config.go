// Package config loads the process-wide configuration once at startup.
// Values come from environment variables with defaults; nothing is
// reloadable after that.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every knob the actors need. It is read once in main and
// handed to each component at construction.
type Config struct {
	// PeerID is this peer's stable identity, name@ip.
	PeerID string
	// SaveDir is where the plain-text autosave file and the snapshot
	// store live.
	SaveDir string
	// AutosaveThreshold is how many local edits elapse between
	// plain-text writes.
	AutosaveThreshold int
	// RetryInterval is Link's retransmission period.
	RetryInterval time.Duration
	// APIPort is the peer-to-peer listener port.
	APIPort int
	// FrontendPort is the editor WebSocket listener port.
	FrontendPort int
	// DiscoveryService is the mDNS service type peers advertise under.
	DiscoveryService string
}

// FromEnv builds a Config from the environment, falling back to defaults
// for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		PeerID:            os.Getenv("PEER_ID"),
		SaveDir:           envStr("SAVE_DIR", "./data"),
		AutosaveThreshold: 10,
		RetryInterval:     5 * time.Second,
		APIPort:           4000,
		FrontendPort:      3000,
		DiscoveryService:  envStr("DISCOVERY_SERVICE", "_inkmesh._tcp"),
	}
	if cfg.PeerID == "" {
		return Config{}, fmt.Errorf("config: PEER_ID must be set (name@ip)")
	}
	var err error
	if cfg.AutosaveThreshold, err = envInt("AUTOSAVE_THRESHOLD", cfg.AutosaveThreshold); err != nil {
		return Config{}, err
	}
	if cfg.APIPort, err = envInt("API_PORT", cfg.APIPort); err != nil {
		return Config{}, err
	}
	if cfg.FrontendPort, err = envInt("FRONTEND_PORT", cfg.FrontendPort); err != nil {
		return Config{}, err
	}
	if raw := os.Getenv("RETRY_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: RETRY_INTERVAL: %v", err)
		}
		cfg.RetryInterval = d
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %v", key, err)
	}
	return n, nil
}
