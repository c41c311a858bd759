package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("PEER_ID", "alice@10.0.0.1")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.APIPort != 4000 || cfg.FrontendPort != 3000 {
		t.Fatalf("default ports wrong: api=%d frontend=%d", cfg.APIPort, cfg.FrontendPort)
	}
	if cfg.RetryInterval != 5*time.Second {
		t.Fatalf("default retry = %v", cfg.RetryInterval)
	}
	if cfg.AutosaveThreshold != 10 {
		t.Fatalf("default autosave threshold = %d", cfg.AutosaveThreshold)
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("PEER_ID", "bob@10.0.0.2")
	t.Setenv("API_PORT", "5000")
	t.Setenv("RETRY_INTERVAL", "250ms")
	t.Setenv("AUTOSAVE_THRESHOLD", "3")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.APIPort != 5000 {
		t.Fatalf("API_PORT override ignored: %d", cfg.APIPort)
	}
	if cfg.RetryInterval != 250*time.Millisecond {
		t.Fatalf("RETRY_INTERVAL override ignored: %v", cfg.RetryInterval)
	}
	if cfg.AutosaveThreshold != 3 {
		t.Fatalf("AUTOSAVE_THRESHOLD override ignored: %d", cfg.AutosaveThreshold)
	}
}

func TestMissingPeerID(t *testing.T) {
	t.Setenv("PEER_ID", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error with no PEER_ID")
	}
}

func TestBadInt(t *testing.T) {
	t.Setenv("PEER_ID", "carol@10.0.0.3")
	t.Setenv("API_PORT", "not-a-port")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for malformed API_PORT")
	}
}
